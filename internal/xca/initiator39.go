package xca

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/sync/errgroup"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/transport"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

const (
	// RetrieveChunkSize caps the documents requested per ITI-39 exchange;
	// larger batches trip rate limits on busy gateways.
	RetrieveChunkSize = 5

	// RetrieveTimeout bounds one Cross-Gateway Retrieve exchange.
	RetrieveTimeout = 60 * time.Second
)

var clinicalDocRE = regexp.MustCompile(`(?s)<ClinicalDocument.*?</ClinicalDocument>`)

// RetrievedDocument is one clinical document pulled back from a responding
// gateway, paired with the type its query entry advertised.
type RetrievedDocument struct {
	Content  string
	DocType  string
	Template string
}

// RetrieveResult aggregates everything one retrieve run produced.
type RetrieveResult struct {
	FHIRID    string
	Documents []RetrievedDocument
}

// RetrieveInitiator drives Cross-Gateway Retrieve (ITI-39) against a remote
// responding gateway.
type RetrieveInitiator struct {
	Codec *soapenv.Codec
	SAML  *saml.Builder
	HTTP  transport.Poster
}

// NewRetrieveInitiator wires a document-retrieve initiator.
func NewRetrieveInitiator(codec *soapenv.Codec, samlBuilder *saml.Builder, poster transport.Poster) *RetrieveInitiator {
	return &RetrieveInitiator{Codec: codec, SAML: samlBuilder, HTTP: poster}
}

// ChunkRefs splits refs into batches of at most RetrieveChunkSize.
func ChunkRefs(refs []DocumentRef) [][]DocumentRef {
	var chunks [][]DocumentRef
	for len(refs) > RetrieveChunkSize {
		chunks = append(chunks, refs[:RetrieveChunkSize])
		refs = refs[RetrieveChunkSize:]
	}
	if len(refs) > 0 {
		chunks = append(chunks, refs)
	}
	return chunks
}

// BuildRetrieveRequest constructs a RetrieveDocumentSetRequest with one
// DocumentRequest per reference.
func BuildRetrieveRequest(refs []DocumentRef) *etree.Element {
	root := etree.NewElement("RetrieveDocumentSetRequest")
	root.CreateAttr("xmlns", XdsbNS)
	for _, ref := range refs {
		dr := root.CreateElement("DocumentRequest")
		dr.CreateElement("HomeCommunityId").SetText("urn:oid:" + ref.ReplacementHCID)
		dr.CreateElement("RepositoryUniqueId").SetText(ref.RepositoryID)
		dr.CreateElement("DocumentUniqueId").SetText(ref.DocID)
	}
	return root
}

// Retrieve fetches every referenced document in concurrent chunks and pairs
// each extracted ClinicalDocument with the reference at the same overall
// position. Failed chunks contribute nothing; the run only errors on
// precondition or signing failures.
func (r *RetrieveInitiator) Retrieve(ctx context.Context, endpointURL string, refs []DocumentRef, uq saml.UserQualifications) (RetrieveResult, error) {
	result := RetrieveResult{}
	if len(refs) == 0 {
		return result, nil
	}
	result.FHIRID = refs[0].PID

	assertion, err := r.SAML.Build(uq)
	if err != nil {
		return result, err
	}

	chunks := ChunkRefs(refs)
	perChunk := make([][]string, len(chunks))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for idx, chunk := range chunks {
		idx, chunk := idx, chunk
		g.Go(func() error {
			body := BuildRetrieveRequest(chunk)
			envelope, err := r.Codec.BuildSignedRequest(soapenv.ITI39.RequestAction(), endpointURL, body, assertion)
			if err != nil {
				return err
			}
			raw, err := r.HTTP.Post(gctx, endpointURL, envelope, RetrieveTimeout)
			if err != nil {
				logger.Debugf("iti39: chunk %d against %s failed: %v", idx, endpointURL, err)
				return nil
			}
			docs := ExtractClinicalDocuments(raw)
			mu.Lock()
			perChunk[idx] = docs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	pos := 0
	for _, docs := range perChunk {
		for _, content := range docs {
			docType := ""
			if pos < len(refs) {
				docType = refs[pos].DocType
			}
			result.Documents = append(result.Documents, RetrievedDocument{
				Content:  content,
				DocType:  docType,
				Template: TemplateForDocType(docType),
			})
			pos++
		}
	}
	return result, nil
}

// ExtractClinicalDocuments pulls every ClinicalDocument element out of a raw
// retrieve response by pattern match, tolerating responses whose envelope
// would not survive a strict parse.
func ExtractClinicalDocuments(raw []byte) []string {
	return clinicalDocRE.FindAllString(string(raw), -1)
}
