package search

import (
	"context"
	"math/rand"
	"time"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xca"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// Endpoint is one remote gateway as resolved from the directory: a named
// community with per-transaction service URLs.
type Endpoint struct {
	Name   string `json:"name"`
	OID    string `json:"oid"`
	ITI55  string `json:"iti55_responder"`
	ITI38  string `json:"iti38_responder"`
	ITI39  string `json:"iti39_responder"`
}

// Stage tags how far a pipeline has progressed.
type Stage int

const (
	StageNew Stage = iota
	StageDiscovered
	StageDropped
	StageRetrieved
)

// Pipeline tracks one remote gateway through discovery, query and retrieve.
// A pipeline that fails any stage carries a sentinel outcome and is dropped;
// it never aborts its siblings.
type Pipeline struct {
	Endpoint
	National bool

	Stage   Stage
	Outcome xcpd.Outcome
	Refs    []xca.DocumentRef

	// Documents retrieved, bucketed by LOINC code. The converted_fhir
	// bucket is reserved for the downstream transform and stays empty
	// here.
	Docs   map[string][]string
	FHIRID string
}

// NewPipeline starts a pipeline against one endpoint.
func NewPipeline(ep Endpoint, national bool) *Pipeline {
	return &Pipeline{Endpoint: ep, National: national, Docs: map[string][]string{"converted_fhir": {}}}
}

// Discover runs the ITI-55 leg and records the outcome.
func (p *Pipeline) Discover(ctx context.Context, init *xcpd.Initiator, pm xcpd.PatientMetadata, uq saml.UserQualifications) error {
	outcome, err := init.Discover(ctx, p.ITI55, p.OID, pm, uq, p.National)
	if err != nil {
		return err
	}
	p.Outcome = outcome
	if outcome.Kind == xcpd.Found {
		p.Stage = StageDiscovered
	} else {
		p.Stage = StageDropped
	}
	return nil
}

// FetchDocuments runs the ITI-38 and ITI-39 legs for a pipeline whose
// discovery succeeded. A short random delay spreads the query fan-out so
// remote gateways don't see the whole batch at once.
func (p *Pipeline) FetchDocuments(ctx context.Context, q *xca.QueryInitiator, r *xca.RetrieveInitiator, uq saml.UserQualifications) error {
	select {
	case <-time.After(time.Duration(rand.Intn(1000)) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}

	refs, err := q.Query(ctx, p.ITI38, p.OID, p.Outcome.IDs, uq)
	if err != nil {
		return err
	}
	p.Refs = refs
	if len(refs) == 0 {
		logger.Debugf("search: %s advertised no documents", p.Name)
		p.Stage = StageRetrieved
		return nil
	}

	result, err := r.Retrieve(ctx, p.ITI39, refs, uq)
	if err != nil {
		return err
	}
	p.FHIRID = result.FHIRID
	for _, doc := range result.Documents {
		p.Docs[doc.DocType] = append(p.Docs[doc.DocType], doc.Content)
	}
	p.Stage = StageRetrieved
	return nil
}
