package validation

import (
	"errors"
	"testing"

	"recobox/backend/internal/domain"
)

func TestStructReportsJSONFieldNames(t *testing.T) {
	hour := 24
	err := Struct(domain.RecommendationRequest{TenantID: "t", LocationID: "l", Hour: &hour})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	fields := map[string]string{}
	for _, f := range verr.Fields {
		fields[f.Field] = f.Rule
	}
	if fields["store_id"] != "required" {
		t.Fatalf("expected store_id required, got %v", fields)
	}
	if fields["hour"] != "max" {
		t.Fatalf("expected hour max, got %v", fields)
	}
}

func TestStructAcceptsValidRequest(t *testing.T) {
	hour := 0
	req := domain.RecommendationRequest{
		TenantID: "t", LocationID: "l", StoreID: "s",
		CartSKUs: []string{"A"}, TopN: 5, Hour: &hour,
		Location: &domain.Coordinates{Latitude: 12.97, Longitude: 77.59},
	}
	if err := Struct(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStructRejectsBadCoordinates(t *testing.T) {
	req := domain.RecommendationRequest{
		TenantID: "t", LocationID: "l", StoreID: "s",
		Location: &domain.Coordinates{Latitude: 123, Longitude: 0},
	}
	if err := Struct(req); err == nil {
		t.Fatalf("expected latitude to be rejected")
	}
}
