package xca

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/antchfx/xmlquery"
	"github.com/beevik/etree"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// RetrieveResponder serves inbound Cross-Gateway Retrieve requests from the
// local document store.
type RetrieveResponder struct {
	DB             *sql.DB
	HCID           string
	PossibleURLs   []string
	DocumentTables []string
}

// NewRetrieveResponder wires a document-retrieve responder serving the given
// local identity.
func NewRetrieveResponder(db *sql.DB, hcid string, possibleURLs, documentTables []string) *RetrieveResponder {
	return &RetrieveResponder{DB: db, HCID: hcid, PossibleURLs: possibleURLs, DocumentTables: documentTables}
}

type documentRequest struct {
	HCID  string
	Repo  string
	DocID string
}

type foundDocument struct {
	documentRequest
	B64 string
}

// Handle answers one inbound retrieve request, returning the
// RetrieveDocumentSetResponse body. Requests not addressed to this gateway
// fail hard.
func (r *RetrieveResponder) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return nil, fmt.Errorf("iti39 responder: no envelope in request")
	}
	doc, err := query.Parse(env)
	if err != nil {
		return nil, fmt.Errorf("iti39 responder: %w", err)
	}

	to := query.Text(doc, query.LocalPath("Envelope", "Header", "To"))
	if !r.addressedToUs(to) {
		return nil, fmt.Errorf("iti39 responder: request addressed to %q: %w", to, soapenv.ErrWrongAddressee)
	}

	requests := r.parseDocumentRequests(doc)
	found, err := r.fetchDocuments(ctx, requests)
	if err != nil {
		logger.Errorf("iti39 responder: document fetch: %v", err)
		found = nil
	}

	return buildRetrieveResponse(found)
}

func (r *RetrieveResponder) addressedToUs(to string) bool {
	for _, u := range r.PossibleURLs {
		if to == u {
			return true
		}
	}
	return false
}

// parseDocumentRequests keeps only the requests naming this community;
// requests for other communities were misrouted and are dropped silently.
func (r *RetrieveResponder) parseDocumentRequests(doc *xmlquery.Node) []documentRequest {
	var requests []documentRequest
	for _, dr := range query.FindAll(doc, "//*[local-name()='DocumentRequest']") {
		hcid := utils.TrimOIDPrefix(query.Text(dr, "./*[local-name()='HomeCommunityId']"))
		if hcid != r.HCID {
			continue
		}
		requests = append(requests, documentRequest{
			HCID:  hcid,
			Repo:  query.Text(dr, "./*[local-name()='RepositoryUniqueId']"),
			DocID: query.Text(dr, "./*[local-name()='DocumentUniqueId']"),
		})
	}
	return requests
}

// fetchDocuments looks each document up by id across every document table
// and carries it back as base64-encoded XML rendered from the stored FHIR
// resource.
func (r *RetrieveResponder) fetchDocuments(ctx context.Context, requests []documentRequest) ([]foundDocument, error) {
	var found []foundDocument
	for _, req := range requests {
		for _, table := range r.DocumentTables {
			stmt := fmt.Sprintf("SELECT resource FROM %s WHERE id = $1", table)
			var resourceJSON []byte
			err := r.DB.QueryRowContext(ctx, stmt, req.DocID).Scan(&resourceJSON)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", table, err)
			}

			var resource interface{}
			if err := json.Unmarshal(resourceJSON, &resource); err != nil {
				logger.Debugf("iti39 responder: document %s: bad resource json: %v", req.DocID, err)
				continue
			}
			xml := utils.JSONToXML(resource)
			found = append(found, foundDocument{
				documentRequest: req,
				B64:             base64.StdEncoding.EncodeToString([]byte(xml)),
			})
		}
	}
	return found, nil
}

func buildRetrieveResponse(found []foundDocument) ([]byte, error) {
	response := etree.NewElement("RetrieveDocumentSetResponse")
	response.CreateAttr("xmlns", XdsbNS)
	response.CreateAttr("xmlns:rs", RsNS)

	registry := response.CreateElement("rs:RegistryResponse")
	registry.CreateAttr("status", responseSuccess)

	for _, d := range found {
		dr := response.CreateElement("DocumentResponse")
		dr.CreateElement("HomeCommunityId").SetText(d.HCID)
		dr.CreateElement("RepositoryUniqueId").SetText(d.Repo)
		dr.CreateElement("DocumentUniqueId").SetText(d.DocID)
		dr.CreateElement("mimeType").SetText("text/xml")
		dr.CreateElement("Document").SetText(d.B64)
	}

	doc := etree.NewDocument()
	doc.SetRoot(response)
	return doc.WriteToBytes()
}
