package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"recobox/backend/internal/app"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/httpapi"
)

type buildFunc func(ctx context.Context) (*app.App, error)

func newRootCmd(build buildFunc) *cobra.Command {
	root := &cobra.Command{
		Use:          "recoctl",
		Short:        "Operate the recommendation backend offline",
		SilenceUsage: true,
	}
	root.AddCommand(
		ingestCmd(build),
		resetCmd(build),
		curatedCmd(build),
		reclassifyCmd(build),
		tenantCmd(build),
	)
	return root
}

// withApp builds the app for one command run and always closes it.
func withApp(cmd *cobra.Command, build buildFunc, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := build(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

func ingestCmd(build buildFunc) *cobra.Command {
	var (
		tenantID   string
		locationID string
		path       string
		replace    bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Aggregate a transaction CSV into the location's indexes",
		Long: `Aggregate a transaction CSV into popularity, association and lookup indexes.

The file must carry the columns Session_id, Datetime, Product_name, UPC,
Quantity, location_id and store_id. Every row must belong to the given
location and one of its stores.

Examples:
  recoctl ingest --tenant demo-tenant --location loc-1 --file sales.csv
  recoctl ingest --tenant demo-tenant --location loc-1 --file sales.csv --replace`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open transaction file: %w", err)
			}
			defer f.Close()

			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				result, err := a.Service.Ingest(ctx, domain.IngestRequest{
					TenantID:   tenantID,
					LocationID: locationID,
					Replace:    replace,
				}, f)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&locationID, "location", "", "Location id")
	cmd.Flags().StringVar(&path, "file", "", "Transaction CSV file")
	cmd.Flags().BoolVar(&replace, "replace", false, "Clear the location's popularity and associations first")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func resetCmd(build buildFunc) *cobra.Command {
	var tenantID, locationID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove popularity and association data for a location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				if err := a.Service.ResetScope(ctx, tenantID, locationID); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s/%s\n", tenantID, locationID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&locationID, "location", "", "Location id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func curatedCmd(build buildFunc) *cobra.Command {
	var (
		scope domain.Scope
		kind  string
		path  string
		clear bool
	)
	cmd := &cobra.Command{
		Use:   "curated",
		Short: "Replace or clear a store's fixed or always list",
		Long: `Replace or clear a store's curated list.

The file holds one SKU per line, or a CSV whose first column is the SKU. A
header row named sku or UPC is skipped.

Examples:
  recoctl curated --tenant demo-tenant --location loc-1 --store store-1 --kind always --file always.csv
  recoctl curated --tenant demo-tenant --location loc-1 --store store-1 --kind fixed --clear`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k := domain.CuratedKind(strings.ToLower(kind))
			if clear == (path != "") {
				return errors.New("exactly one of --file or --clear is required")
			}
			if clear {
				return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
					if err := a.Service.ResetCurated(ctx, scope, k); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "cleared %s list for %s\n", k, scope)
					return err
				})
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open sku file: %w", err)
			}
			defer f.Close()
			skus, err := readSKUs(f)
			if err != nil {
				return err
			}
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				result, err := a.Service.SetCurated(ctx, domain.CuratedUploadRequest{Scope: scope, Kind: k, SKUs: skus})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&scope.TenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&scope.LocationID, "location", "", "Location id")
	cmd.Flags().StringVar(&scope.StoreID, "store", "", "Store id")
	cmd.Flags().StringVar(&kind, "kind", "", "List kind: fixed or always")
	cmd.Flags().StringVar(&path, "file", "", "SKU file")
	cmd.Flags().BoolVar(&clear, "clear", false, "Clear the list instead of replacing it")
	for _, name := range []string{"tenant", "location", "store", "kind"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func reclassifyCmd(build buildFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reclassify PRODUCT...",
		Short: "Force category classification for product names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				result, err := a.Service.Reclassify(ctx, domain.ReclassifyRequest{Products: args})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	return cmd
}

func tenantCmd(build buildFunc) *cobra.Command {
	tenant := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var (
		id     string
		name   string
		apiKey string
		stores []string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create or update a tenant and its stores",
		Long: `Create or update a tenant. Stores are given as location:store pairs.

Example:
  recoctl tenant add --id acme --name "Acme Foods" --api-key "$ACME_KEY" --store north:n1 --store north:n2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			locations, err := parseStores(stores)
			if err != nil {
				return err
			}
			hash, err := httpapi.HashAPIKey(apiKey)
			if err != nil {
				return err
			}
			return withApp(cmd, build, func(ctx context.Context, a *app.App) error {
				t := domain.Tenant{ID: id, Name: name, APIKeyHash: hash, Locations: locations}
				if err := a.Tenants.UpsertTenant(ctx, t); err != nil {
					return fmt.Errorf("save tenant: %w", err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "saved tenant %s with %d locations\n", id, len(locations))
				return err
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "Tenant id")
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().StringVar(&apiKey, "api-key", "", "API key exchanged for bearer tokens")
	add.Flags().StringArrayVar(&stores, "store", nil, "location:store pair, repeatable")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("api-key")
	_ = add.MarkFlagRequired("store")

	tenant.AddCommand(add)
	return tenant
}

func parseStores(pairs []string) (map[string][]string, error) {
	locations := map[string][]string{}
	for _, pair := range pairs {
		loc, store, ok := strings.Cut(pair, ":")
		loc, store = strings.TrimSpace(loc), strings.TrimSpace(store)
		if !ok || loc == "" || store == "" {
			return nil, fmt.Errorf("invalid store %q, expected location:store", pair)
		}
		locations[loc] = append(locations[loc], store)
	}
	for loc := range locations {
		sort.Strings(locations[loc])
	}
	return locations, nil
}

func readSKUs(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var skus []string
	first := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read sku file: %w", err)
		}
		if len(record) == 0 {
			continue
		}
		sku := strings.TrimSpace(strings.TrimPrefix(record[0], "\ufeff"))
		if first {
			first = false
			if h := strings.ToLower(sku); h == "sku" || h == "upc" {
				continue
			}
		}
		if sku != "" {
			skus = append(skus, sku)
		}
	}
	if len(skus) == 0 {
		return nil, errors.New("sku file is empty")
	}
	return skus, nil
}
