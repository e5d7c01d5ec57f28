package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// failureBackoff is how long a failed lookup pauses the augmentation sweep.
var failureBackoff = time.Second

// Geocoder resolves a ZIP code to coordinates.
type Geocoder interface {
	Coordinates(ctx context.Context, zip string) (lat, lon string, err error)
}

// NominatimGeocoder geocodes against the OpenStreetMap Nominatim API,
// throttled to stay inside its usage policy.
type NominatimGeocoder struct {
	HTTP    *http.Client
	BaseURL string
	Limiter *rate.Limiter
}

// NewNominatimGeocoder builds a geocoder at 5 requests per second.
func NewNominatimGeocoder() *NominatimGeocoder {
	return &NominatimGeocoder{
		HTTP:    http.DefaultClient,
		BaseURL: "https://nominatim.openstreetmap.org/search",
		Limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
}

// Coordinates looks one ZIP code up. A ZIP the service doesn't know yields
// empty coordinates and no error.
func (g *NominatimGeocoder) Coordinates(ctx context.Context, zip string) (string, string, error) {
	if err := g.Limiter.Wait(ctx); err != nil {
		return "", "", err
	}

	q := url.Values{}
	q.Set("q", zip)
	q.Set("format", "json")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", "", err
	}
	resp, err := g.HTTP.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", "", err
	}
	if len(results) == 0 {
		return "", "", nil
	}
	return results[0].Lat, results[0].Lon, nil
}

// AugmentCoordinates fills in coordinates for every ZIP code in
// zipcode_neighbors that has none yet. Each row commits independently so an
// interrupted run resumes where it stopped; per-ZIP failures are logged and
// skipped.
func AugmentCoordinates(ctx context.Context, db *sql.DB, geocoder Geocoder) error {
	rows, err := db.QueryContext(ctx,
		"SELECT zipcode FROM zipcode_neighbors WHERE longitude IS NULL AND latitude IS NULL ORDER BY zipcode DESC")
	if err != nil {
		return fmt.Errorf("geocode: list zips: %w", err)
	}
	var zips []string
	for rows.Next() {
		var z string
		if err := rows.Scan(&z); err != nil {
			rows.Close()
			return err
		}
		zips = append(zips, z)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	logger.Infof("geocode: %d zips to augment", len(zips))
	for i, z := range zips {
		if i%1000 == 0 {
			logger.Infof("geocode: at %d", i)
		}
		padded := utils.PadZip(z)
		lat, lon, err := geocoder.Coordinates(ctx, padded)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debugf("geocode: %s: %v", padded, err)
			// Give the service a breather before the next lookup.
			select {
			case <-time.After(failureBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if lat == "" || lon == "" {
			continue
		}
		if _, err := db.ExecContext(ctx,
			"UPDATE zipcode_neighbors SET latitude = $1, longitude = $2 WHERE zipcode = $3",
			lat, lon, padded); err != nil {
			logger.Debugf("geocode: update %s: %v", padded, err)
		}
	}
	return nil
}
