// Package nationals bundles the manually curated list of national-scale
// responding gateways with the binary. National gateways are queried on
// every search regardless of the patient's location.
//
// The checked-in national.json is empty; each deployment replaces it at
// build time with its own partner roster, which is negotiated per exchange
// agreement and not published here.
package nationals

import (
	_ "embed"
	"encoding/json"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/search"
)

//go:embed national.json
var nationalJSON []byte

// Endpoints returns the bundled national endpoint list.
func Endpoints() ([]search.Endpoint, error) {
	var endpoints []search.Endpoint
	if err := json.Unmarshal(nationalJSON, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}
