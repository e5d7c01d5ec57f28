// Package handler routes inbound traffic: SOAP requests from remote
// gateways on the responder paths, and JSON action requests from our own
// applications on everything else.
package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/directory"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/search"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xca"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

const noEndpointMessage = `<?xml version="1.0" encoding="UTF-8"?><Response><Message>reached our domain but did not specify any endpoint, so your request is not processed. please select an endpoint</Message></Response>`

// Handler carries every wired component the routes need.
type Handler struct {
	XCPDResponder     *xcpd.Responder
	QueryResponder    *xca.QueryResponder
	RetrieveResponder *xca.RetrieveResponder

	XCPDInitiator     *xcpd.Initiator
	QueryInitiator    *xca.QueryInitiator
	RetrieveInitiator *xca.RetrieveInitiator

	Searcher *search.Searcher
	Resolver *directory.Resolver
	Ingestor *directory.Ingestor
	Geocoder directory.Geocoder

	// DefaultUQ backs requests that carry no user_qualifications of their
	// own, such as the manual initiator paths.
	DefaultUQ saml.UserQualifications
}

// HandleRequest is the single entry point used by both runtime adapters.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Errorf("handler: read body: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "xml") {
		h.handleSOAP(w, r, body)
		return
	}
	h.handleJSON(w, r, body)
}

func (h *Handler) handleSOAP(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()
	path := r.URL.Path

	var (
		responderBody []byte
		transaction   soapenv.Transaction
		err           error
	)
	switch path {
	case "/iti55responder":
		logger.Infof("handler: iti55responder pinged")
		transaction = soapenv.ITI55
		responderBody, err = h.XCPDResponder.Handle(ctx, body)
	case "/iti38responder":
		logger.Infof("handler: iti38responder pinged")
		transaction = soapenv.ITI38
		responderBody, err = h.QueryResponder.Handle(ctx, body)
	case "/iti39responder":
		logger.Infof("handler: iti39responder pinged")
		transaction = soapenv.ITI39
		responderBody, err = h.RetrieveResponder.Handle(ctx, body)
	default:
		w.Header().Set("Content-Type", "application/soap+xml")
		w.Write([]byte(noEndpointMessage))
		return
	}
	if err != nil {
		logger.Errorf("handler: %s: %v", path, err)
		if errors.Is(err, soapenv.ErrWrongAddressee) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	reply, err := soapenv.BuildReplyRaw(transaction.ResponseAction(), requestMessageID(body), responderBody)
	if err != nil {
		logger.Errorf("handler: wrap reply: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/soap+xml")
	w.Write(reply)
}

// requestMessageID pulls the request MessageID for the reply's RelatesTo;
// empty when the request carried none.
func requestMessageID(raw []byte) string {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return ""
	}
	id, ok := query.XPathQuery(env, query.LocalPath("Envelope", "Header", "MessageID"), nil)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}
