package search

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xca"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

const (
	// MaxResponders caps how many pipelines one search fans out to.
	MaxResponders = 200

	// tightenThreshold is the responder count above which the radius
	// schedule narrows.
	tightenThreshold = 80
)

// RadiusSchedule is walked widest-first; the search narrows while the
// responder count stays above the tighten threshold.
var RadiusSchedule = []int{10, 30, 100}

// EndpointResolver resolves responding gateways from the directory.
type EndpointResolver interface {
	EndpointsNear(ctx context.Context, zips []string, state, country string, radius int, exclude []string) ([]Endpoint, error)
	NationalEndpoints(ctx context.Context) ([]Endpoint, error)
}

// Sink receives the documents a finished search produced.
type Sink interface {
	SaveDocuments(ctx context.Context, patientID, pipelineName, fhirID string, docs map[string][]string) error
}

// Result is what one full search produced.
type Result struct {
	PatientID      string
	FoundPipelines []string
}

// Searcher runs the national-then-regional federation search.
type Searcher struct {
	XCPD     *xcpd.Initiator
	Query    *xca.QueryInitiator
	Retrieve *xca.RetrieveInitiator
	Resolver EndpointResolver
	Sink     Sink
}

// NewSearcher wires the full search orchestrator.
func NewSearcher(xcpdInit *xcpd.Initiator, queryInit *xca.QueryInitiator, retrieveInit *xca.RetrieveInitiator, resolver EndpointResolver, sink Sink) *Searcher {
	return &Searcher{XCPD: xcpdInit, Query: queryInit, Retrieve: retrieveInit, Resolver: resolver, Sink: sink}
}

// Run searches the national responders first, widens the regional ZIP set
// with any ZIP codes the national matches reported, then searches regionally
// and pulls documents for every pipeline that found the patient. National and
// regional additions share one generated patient id.
func (s *Searcher) Run(ctx context.Context, pm xcpd.PatientMetadata, uq saml.UserQualifications, zips []string, state, country string) (Result, error) {
	if err := uq.Validate(); err != nil {
		return Result{}, err
	}
	if state == "" {
		state = "NY"
	}
	if country == "" {
		country = "US"
	}

	nationalEndpoints, err := s.Resolver.NationalEndpoints(ctx)
	if err != nil {
		return Result{}, err
	}
	national := s.buildPipelines(nationalEndpoints, true)
	if err := s.discoverAll(ctx, national, pm, uq); err != nil {
		return Result{}, err
	}
	nationalRemaining, pastZips := ConflictCheck(national)

	allZips := unionZips(zips, pastZips)
	nationalNames := pipelineNames(nationalRemaining)

	regionalEndpoints, err := s.resolveRegional(ctx, allZips, state, country, nationalNames)
	if err != nil {
		return Result{}, err
	}
	if len(regionalEndpoints) > MaxResponders {
		regionalEndpoints = regionalEndpoints[:MaxResponders]
	}
	regional := s.buildPipelines(regionalEndpoints, false)
	if err := s.discoverAll(ctx, regional, pm, uq); err != nil {
		return Result{}, err
	}
	regionalRemaining, _ := ConflictCheck(regional)

	result := Result{FoundPipelines: append(nationalNames, pipelineNames(regionalRemaining)...)}
	if len(result.FoundPipelines) == 0 {
		return result, nil
	}

	result.PatientID = uuid.NewString()
	// Regional first, then national: the two batches write into the same
	// record and interleaving them races on it.
	if err := s.fetchAll(ctx, regionalRemaining, uq, result.PatientID); err != nil {
		return result, err
	}
	if err := s.fetchAll(ctx, nationalRemaining, uq, result.PatientID); err != nil {
		return result, err
	}
	return result, nil
}

// resolveRegional starts with the widest radius and narrows while the
// responder count stays unmanageable, excluding gateways the national pass
// already covered.
func (s *Searcher) resolveRegional(ctx context.Context, zips []string, state, country string, exclude []string) ([]Endpoint, error) {
	schedule := append([]int(nil), RadiusSchedule...)

	radius := schedule[len(schedule)-1]
	schedule = schedule[:len(schedule)-1]
	endpoints, err := s.Resolver.EndpointsNear(ctx, zips, state, country, radius, nil)
	if err != nil {
		return nil, err
	}
	for len(endpoints) > tightenThreshold && len(schedule) > 0 {
		radius = schedule[len(schedule)-1]
		schedule = schedule[:len(schedule)-1]
		endpoints, err = s.Resolver.EndpointsNear(ctx, zips, state, country, radius, exclude)
		if err != nil {
			return nil, err
		}
	}
	logger.Infof("search: %d regional responders at radius %d", len(endpoints), radius)
	return endpoints, nil
}

func (s *Searcher) buildPipelines(endpoints []Endpoint, national bool) []*Pipeline {
	pipelines := make([]*Pipeline, 0, len(endpoints))
	for _, ep := range endpoints {
		pipelines = append(pipelines, NewPipeline(ep, national))
	}
	return pipelines
}

func (s *Searcher) discoverAll(ctx context.Context, pipelines []*Pipeline, pm xcpd.PatientMetadata, uq saml.UserQualifications) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		g.Go(func() error { return p.Discover(gctx, s.XCPD, pm, uq) })
	}
	return g.Wait()
}

func (s *Searcher) fetchAll(ctx context.Context, pipelines []*Pipeline, uq saml.UserQualifications, patientID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		p := p
		g.Go(func() error { return p.FetchDocuments(gctx, s.Query, s.Retrieve, uq) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if s.Sink == nil {
		return nil
	}
	for _, p := range pipelines {
		if err := s.Sink.SaveDocuments(ctx, patientID, p.Name, p.FHIRID, p.Docs); err != nil {
			return err
		}
	}
	return nil
}

// ConflictCheck drops every pipeline whose discovery ended in a sentinel and
// collects the postal codes of the surviving matches; those ZIP codes widen
// the regional search. Demographic cross-checking between surviving matches
// is the job of a patient-matching module that does not exist yet.
func ConflictCheck(pipelines []*Pipeline) (remaining []*Pipeline, pastZips []string) {
	for _, p := range pipelines {
		if p.Outcome.Kind != xcpd.Found {
			continue
		}
		remaining = append(remaining, p)
		if zip := p.Outcome.Patient.PostalCode; zip != "" {
			pastZips = append(pastZips, zip)
		}
	}
	return remaining, pastZips
}

func pipelineNames(pipelines []*Pipeline) []string {
	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		names = append(names, p.Name)
	}
	return names
}

func unionZips(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, z := range append(append([]string(nil), a...), b...) {
		if z == "" || seen[z] {
			continue
		}
		seen[z] = true
		out = append(out, z)
	}
	return out
}
