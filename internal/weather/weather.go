// Package weather turns a forecast into the coarse feel (cold, moderate, hot)
// used to reorder recommendations.
package weather

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"recobox/backend/internal/cache"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
)

const (
	Cold     = "cold"
	Moderate = "moderate"
	Hot      = "hot"
)

const hourKeyLayout = "2006-01-02T15:00:00Z"

// Classify maps an apparent temperature in Celsius to a feel.
func Classify(apparent float64) string {
	switch {
	case apparent <= 15:
		return Cold
	case apparent < 25:
		return Moderate
	default:
		return Hot
	}
}

type Config struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// feelsLike maps a UTC hour (hourKeyLayout) to a feel.
type feelsLike map[string]string

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	ttl     time.Duration
	http    *http.Client
	cache   cache.Store
	breaker *gobreaker.CircuitBreaker[feelsLike]
	group   singleflight.Group
}

func New(cfg Config, c cache.Store) *Client {
	if c == nil {
		c = cache.Noop{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 800 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * 24 * time.Hour
	}
	breaker := gobreaker.NewCircuitBreaker[feelsLike](gobreaker.Settings{
		Name:        "weather",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Component("weather").Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("weather circuit breaker state changed")
		},
	})
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		ttl:     cfg.CacheTTL,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   c,
		breaker: breaker,
	}
}

// Feel returns the feel at the given instant for coords. It never fails:
// any missing input or upstream problem yields Moderate.
func (c *Client) Feel(ctx context.Context, coords *domain.Coordinates, at time.Time) string {
	if coords == nil {
		metrics.WeatherLookups.WithLabelValues("no_coordinates").Inc()
		return Moderate
	}
	if c == nil || c.apiKey == "" || c.baseURL == "" {
		metrics.WeatherLookups.WithLabelValues("disabled").Inc()
		return Moderate
	}

	lat, lon := formatCoord(coords.Latitude), formatCoord(coords.Longitude)
	key := fmt.Sprintf("weather:%s:%s", lat, lon)
	log := logging.Ctx(ctx)

	var m feelsLike
	hit, err := c.cache.Get(ctx, key, &m)
	if err != nil {
		log.Warn().Err(err).Str("component", "weather").Msg("weather cache read failed")
	}
	if hit && err == nil {
		metrics.WeatherLookups.WithLabelValues("cache").Inc()
	} else {
		m, err = c.fetchShared(ctx, key, lat, lon)
		if err != nil {
			outcome := "error"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				outcome = "breaker_open"
			}
			metrics.WeatherLookups.WithLabelValues(outcome).Inc()
			log.Warn().Err(err).Str("component", "weather").Msg("weather lookup failed, using moderate")
			return Moderate
		}
		metrics.WeatherLookups.WithLabelValues("api").Inc()
	}

	feel, ok := m[at.UTC().Truncate(time.Hour).Format(hourKeyLayout)]
	if !ok {
		metrics.WeatherLookups.WithLabelValues("missing_hour").Inc()
		return Moderate
	}
	return feel
}

// fetchShared runs one upstream fetch per key for all concurrent callers. The
// fetch is detached from the caller that started it so its cancellation does
// not fail the others; fetch still applies the client timeout.
func (c *Client) fetchShared(ctx context.Context, key, lat, lon string) (feelsLike, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		detached := context.WithoutCancel(ctx)
		m, err := c.breaker.Execute(func() (feelsLike, error) {
			return c.fetch(detached, lat, lon)
		})
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(detached, key, m, c.ttl); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("component", "weather").Msg("weather cache write failed")
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(feelsLike), nil
}

type forecastResponse struct {
	Timelines struct {
		Hourly []struct {
			Time   string `json:"time"`
			Values struct {
				TemperatureApparent *float64 `json:"temperatureApparent"`
			} `json:"values"`
		} `json:"hourly"`
	} `json:"timelines"`
}

func (c *Client) fetch(ctx context.Context, lat, lon string) (feelsLike, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("location", lat+","+lon)
	q.Set("apikey", c.apiKey)
	q.Set("timesteps", "1h")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather api returned status %d", resp.StatusCode)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	out := make(feelsLike, len(body.Timelines.Hourly))
	for _, entry := range body.Timelines.Hourly {
		if entry.Values.TemperatureApparent == nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, entry.Time)
		if err != nil {
			continue
		}
		out[ts.UTC().Truncate(time.Hour).Format(hourKeyLayout)] = Classify(*entry.Values.TemperatureApparent)
	}
	if len(out) == 0 {
		return nil, errors.New("forecast has no usable hours")
	}
	return out, nil
}

// formatCoord rounds to four decimals (about 11 m) so nearby requests share a
// cache entry.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
