package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/directory"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xca"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// actionRequest is the JSON body shared by all application-facing actions.
type actionRequest struct {
	Action       string          `json:"action"`
	ConnectionID string          `json:"connection_id"`
	Params       json.RawMessage `json:"params"`
}

type searchParams struct {
	xcpd.PatientMetadata
	LocationSearchZip   []string                 `json:"location_search_zip"`
	LocationSearchState string                   `json:"location_search_state"`
	Country             string                   `json:"country"`
	UserQualifications  *saml.UserQualifications `json:"user_qualifications"`
}

type endpointsParams struct {
	Radius   int      `json:"radius"`
	State    string   `json:"state"`
	ZipCodes []string `json:"zip_codes"`
	Country  string   `json:"country"`
	Exclude  []string `json:"exclude"`
}

// manualRequest drives one transaction against one known remote gateway,
// bypassing the directory. Used for connectivity testing.
type manualRequest struct {
	DestinationURL string          `json:"destination_url"`
	DestinationOID string          `json:"destination_oid"`
	Params         json.RawMessage `json:"params"`
}

// handleJSON serves the application actions. Failures are logged and
// answered with an empty 200 body; callers poll the record for results.
func (h *Handler) handleJSON(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()

	switch r.URL.Path {
	case "/iti55initiator/p", "/iti38initiator/p", "/iti39initiator/p":
		h.handleManualInitiator(ctx, w, r.URL.Path, body)
		return
	}

	var req actionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Errorf("handler: bad json body: %v", err)
		writeEmpty(w)
		return
	}

	switch req.Action {
	case "getCarequalityPatient":
		h.handleSearch(ctx, w, req)
	case "getEndpoints":
		h.handleGetEndpoints(ctx, w, req)
	case "getNationalEndpoints":
		endpoints, err := h.Resolver.NationalEndpoints(ctx)
		if err != nil {
			logger.Errorf("handler: national endpoints: %v", err)
			writeEmpty(w)
			return
		}
		writeJSON(w, endpoints)
	case "augmentLongLat":
		if err := directory.AugmentCoordinates(ctx, h.Resolver.DB, h.Geocoder); err != nil {
			logger.Errorf("handler: augment coordinates: %v", err)
		}
		writeEmpty(w)
	case "insert_prod_directory":
		if err := h.Ingestor.Ingest(ctx); err != nil {
			logger.Errorf("handler: directory ingest: %v", err)
		}
		writeEmpty(w)
	default:
		logger.Warnf("handler: unknown action %q", req.Action)
		writeEmpty(w)
	}
}

func (h *Handler) handleSearch(ctx context.Context, w http.ResponseWriter, req actionRequest) {
	var params searchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		logger.Errorf("handler: getCarequalityPatient: bad params: %v", err)
		writeEmpty(w)
		return
	}
	uq := h.DefaultUQ
	if params.UserQualifications != nil {
		uq = *params.UserQualifications
	}

	result, err := h.Searcher.Run(ctx, params.PatientMetadata, uq,
		params.LocationSearchZip, params.LocationSearchState, params.Country)
	if err != nil {
		logger.Errorf("handler: getCarequalityPatient: %v", err)
		writeEmpty(w)
		return
	}

	reply := map[string]interface{}{"connection_id": req.ConnectionID}
	if len(result.FoundPipelines) == 0 {
		reply["message_type"] = "patient_not_found"
	} else {
		reply["message_type"] = "patient_found"
		reply["pipelines"] = result.FoundPipelines
		reply["pid"] = result.PatientID
	}
	writeJSON(w, reply)
}

func (h *Handler) handleGetEndpoints(ctx context.Context, w http.ResponseWriter, req actionRequest) {
	var params endpointsParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		logger.Errorf("handler: getEndpoints: bad params: %v", err)
		writeEmpty(w)
		return
	}
	if params.Radius == 0 {
		params.Radius = 100
	}
	if params.Country == "" {
		params.Country = "US"
	}
	endpoints, err := h.Resolver.EndpointsNear(ctx, params.ZipCodes, params.State, params.Country, params.Radius, params.Exclude)
	if err != nil {
		logger.Errorf("handler: getEndpoints: %v", err)
		writeEmpty(w)
		return
	}
	writeJSON(w, endpoints)
}

func (h *Handler) handleManualInitiator(ctx context.Context, w http.ResponseWriter, path string, body []byte) {
	var req manualRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Errorf("handler: manual initiator: bad body: %v", err)
		writeEmpty(w)
		return
	}

	switch path {
	case "/iti55initiator/p":
		var pm xcpd.PatientMetadata
		if err := json.Unmarshal(req.Params, &pm); err != nil {
			logger.Errorf("handler: manual iti55: bad params: %v", err)
			writeEmpty(w)
			return
		}
		outcome, err := h.XCPDInitiator.Discover(ctx, req.DestinationURL, req.DestinationOID, pm, h.DefaultUQ, false)
		if err != nil {
			logger.Errorf("handler: manual iti55: %v", err)
			writeEmpty(w)
			return
		}
		writeJSON(w, map[string]interface{}{
			"outcome": outcome.Kind.String(),
			"patient": outcome.Patient,
			"ids":     outcome.IDs,
		})
	case "/iti38initiator/p":
		var params struct {
			PIDs []xcpd.PatientID `json:"pids"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			logger.Errorf("handler: manual iti38: bad params: %v", err)
			writeEmpty(w)
			return
		}
		refs, err := h.QueryInitiator.Query(ctx, req.DestinationURL, req.DestinationOID, params.PIDs, h.DefaultUQ)
		if err != nil {
			logger.Errorf("handler: manual iti38: %v", err)
			writeEmpty(w)
			return
		}
		writeJSON(w, refs)
	case "/iti39initiator/p":
		var params struct {
			Refs []xca.DocumentRef `json:"refs"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			logger.Errorf("handler: manual iti39: bad params: %v", err)
			writeEmpty(w)
			return
		}
		result, err := h.RetrieveInitiator.Retrieve(ctx, req.DestinationURL, params.Refs, h.DefaultUQ)
		if err != nil {
			logger.Errorf("handler: manual iti39: %v", err)
			writeEmpty(w)
			return
		}
		writeJSON(w, result)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("handler: encode response: %v", err)
	}
}

func writeEmpty(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}
