// Package directory resolves responding gateways from the provider
// directory: a proximity query over precomputed ZIP-code neighbor sets, plus
// the ingestion and geocoding jobs that keep the directory table usable.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/nationals"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/search"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/store"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// supportedRadii are the precomputed neighbor columns in zipcode_neighbors.
var supportedRadii = map[int]bool{10: true, 30: true, 100: true}

// Resolver answers proximity queries against the directory table.
type Resolver struct {
	DB    *sql.DB
	Table string
	Cache *store.Store
}

// NewResolver wires a directory resolver over the given endpoint table.
func NewResolver(db *sql.DB, table string) *Resolver {
	return &Resolver{DB: db, Table: table, Cache: store.Open("directory")}
}

// EndpointsNear returns the active, valid endpoints within radius miles of
// any of the given ZIP codes. Only US searches are supported; anything else
// resolves to no endpoints.
func (r *Resolver) EndpointsNear(ctx context.Context, zips []string, state, country string, radius int, exclude []string) ([]search.Endpoint, error) {
	if country != "US" && country != "USA" {
		return nil, nil
	}
	if !supportedRadii[radius] {
		return nil, fmt.Errorf("directory: no neighbor column for radius %d", radius)
	}

	// The neighbor table stores ZIP codes without leading zeroes and
	// without the ZIP+4 suffix.
	normalized := make([]string, 0, len(zips))
	for _, z := range zips {
		normalized = append(normalized, utils.NormalizeZip(z))
	}
	logger.Debugf("directory: normalized zips %v", normalized)

	radiusColumn := fmt.Sprintf("neighboring_zipcodes_%dmi", radius)
	stmt := fmt.Sprintf("SELECT %s FROM zipcode_neighbors WHERE zipcode = ANY($1)", radiusColumn)
	rows, err := r.DB.QueryContext(ctx, stmt, pq.Array(normalized))
	if err != nil {
		return nil, fmt.Errorf("directory: neighbor query: %w", err)
	}
	defer rows.Close()

	nearby := make(map[string]bool)
	for rows.Next() {
		var neighbors []string
		if err := rows.Scan(pq.Array(&neighbors)); err != nil {
			return nil, err
		}
		for _, z := range neighbors {
			nearby[utils.PadZip(z)] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(nearby) == 0 {
		return nil, nil
	}

	zipList := make([]string, 0, len(nearby))
	for z := range nearby {
		zipList = append(zipList, z)
	}

	stmt = fmt.Sprintf(
		"SELECT oid, name, iti55_responder, iti38_responder, iti39_responder FROM %s WHERE zipcode = ANY($1) AND status",
		r.Table)
	endpointRows, err := r.DB.QueryContext(ctx, stmt, pq.Array(zipList))
	if err != nil {
		return nil, fmt.Errorf("directory: endpoint query: %w", err)
	}
	defer endpointRows.Close()

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	seen := make(map[string]bool)
	var endpoints []search.Endpoint
	for endpointRows.Next() {
		var ep search.Endpoint
		var oid, iti55, iti38, iti39 sql.NullString
		if err := endpointRows.Scan(&oid, &ep.Name, &iti55, &iti38, &iti39); err != nil {
			return nil, err
		}
		ep.OID = utils.TrimOIDPrefix(oid.String)
		ep.ITI55, ep.ITI38, ep.ITI39 = iti55.String, iti38.String, iti39.String

		if !ValidEndpoint(ep) || excluded[ep.Name] {
			continue
		}
		key := ep.OID + "|" + ep.ITI55
		if seen[key] {
			continue
		}
		seen[key] = true
		endpoints = append(endpoints, ep)
	}
	return endpoints, endpointRows.Err()
}

// NationalEndpoints serves the bundled national list, cached across calls.
func (r *Resolver) NationalEndpoints(ctx context.Context) ([]search.Endpoint, error) {
	if r.Cache != nil {
		if cached, ok := r.Cache.GetValue("nationals"); ok {
			if endpoints, ok := cached.([]search.Endpoint); ok {
				return endpoints, nil
			}
		}
	}
	endpoints, err := nationals.Endpoints()
	if err != nil {
		return nil, err
	}
	if r.Cache != nil {
		r.Cache.StoreValue("nationals", endpoints)
	}
	return endpoints, nil
}

// ValidEndpoint reports whether an endpoint has usable service URLs for all
// three transactions.
func ValidEndpoint(ep search.Endpoint) bool {
	for _, u := range []string{ep.ITI55, ep.ITI38, ep.ITI39} {
		if !strings.HasPrefix(u, "http") {
			return false
		}
	}
	return true
}
