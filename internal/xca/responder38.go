package xca

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// QueryResponder answers inbound Cross-Gateway Queries from the local
// document store.
type QueryResponder struct {
	DB             *sql.DB
	HCID           string
	PossibleURLs   []string
	DocumentTables []string
}

// NewQueryResponder wires a document-query responder serving the given local
// identity.
func NewQueryResponder(db *sql.DB, hcid string, possibleURLs, documentTables []string) *QueryResponder {
	return &QueryResponder{DB: db, HCID: hcid, PossibleURLs: possibleURLs, DocumentTables: documentTables}
}

// documentEntry is one document-store row worth advertising, with the coded
// metadata mined from its FHIR resource.
type documentEntry struct {
	DocID        string
	PID          string
	Table        string
	LOINC        string
	FormatCode   string
	FormatSystem string
	HCF          string
	HCFSystem    string
}

// The same patient shows up under three containment shapes across the
// document tables.
var documentContainments = []struct {
	where string
	arg   func(pid string) (string, error)
}{
	{"resource->'patient' @> $1", func(pid string) (string, error) {
		return marshalContainment(map[string]string{"id": pid})
	}},
	{"resource->'subject' @> $1", func(pid string) (string, error) {
		return marshalContainment(map[string]string{"id": pid})
	}},
	{"resource @> $1", func(pid string) (string, error) {
		return marshalContainment(map[string]string{"patientFhirId": pid})
	}},
}

func marshalContainment(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal containment arg: %w", err)
	}
	return string(b), nil
}

// Handle answers one inbound Cross-Gateway Query, returning the
// AdhocQueryResponse body. Requests not addressed to this gateway fail hard.
func (r *QueryResponder) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return nil, fmt.Errorf("iti38 responder: no envelope in request")
	}
	doc, err := query.Parse(env)
	if err != nil {
		return nil, fmt.Errorf("iti38 responder: %w", err)
	}

	to := query.Text(doc, query.LocalPath("Envelope", "Header", "To"))
	if !r.addressedToUs(to) {
		return nil, fmt.Errorf("iti38 responder: request addressed to %q: %w", to, soapenv.ErrWrongAddressee)
	}

	returnType := query.Attr(doc, "//*[local-name()='ResponseOption']", "returnType")

	var pids []string
	for _, v := range query.FindAll(doc,
		"//*[local-name()='Slot'][@name='$XDSDocumentEntryPatientId']/*[local-name()='ValueList']/*[local-name()='Value']") {
		value := utils.StripQuotes(strings.TrimSpace(v.InnerText()))
		pids = append(pids, strings.SplitN(value, "^^^", 2)[0])
	}

	entries, err := r.searchDocumentMetadata(ctx, pids)
	if err != nil {
		logger.Errorf("iti38 responder: metadata search: %v", err)
		entries = nil
	}

	return r.buildResponse(returnType, entries)
}

func (r *QueryResponder) addressedToUs(to string) bool {
	for _, u := range r.PossibleURLs {
		if to == u {
			return true
		}
	}
	return false
}

// searchDocumentMetadata scans every document table under every containment
// shape. Only identifiers and coded metadata leave the store here; document
// contents stay behind the retrieve leg.
func (r *QueryResponder) searchDocumentMetadata(ctx context.Context, pids []string) ([]documentEntry, error) {
	seen := make(map[string]bool)
	var entries []documentEntry
	for _, pid := range pids {
		for _, table := range r.DocumentTables {
			for _, c := range documentContainments {
				arg, err := c.arg(pid)
				if err != nil {
					return nil, err
				}
				stmt := fmt.Sprintf("SELECT id, resource FROM %s WHERE %s", table, c.where)
				rows, err := r.DB.QueryContext(ctx, stmt, arg)
				if err != nil {
					return nil, fmt.Errorf("query %s: %w", table, err)
				}
				for rows.Next() {
					var docID string
					var resourceJSON []byte
					if err := rows.Scan(&docID, &resourceJSON); err != nil {
						rows.Close()
						return nil, err
					}
					if seen[docID] {
						continue
					}
					seen[docID] = true

					var resource map[string]interface{}
					if err := json.Unmarshal(resourceJSON, &resource); err != nil {
						logger.Debugf("iti38 responder: document %s: bad resource json: %v", docID, err)
						continue
					}
					entry := documentEntry{DocID: docID, PID: pid, Table: table}
					entry.LOINC = loincFromResource(resource)
					entry.FormatCode, entry.FormatSystem = formatFromResource(resource)
					// healthcareFacilityTypeCode is not yet populated in any
					// stored resource shape.
					entries = append(entries, entry)
				}
				if err := rows.Err(); err != nil {
					rows.Close()
					return nil, err
				}
				rows.Close()
			}
		}
	}
	return entries, nil
}

// loincFromResource prefers the category codings and falls back to the type
// codings.
func loincFromResource(resource map[string]interface{}) string {
	if categories, ok := resource["category"].([]interface{}); ok {
		for _, c := range categories {
			category, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			codings, ok := category["coding"].([]interface{})
			if !ok || len(codings) == 0 {
				continue
			}
			coding, ok := codings[0].(map[string]interface{})
			if !ok {
				continue
			}
			if coding["system"] == "http://loinc.org" {
				if code, ok := coding["code"].(string); ok {
					return code
				}
			}
		}
	}
	if typ, ok := resource["type"].(map[string]interface{}); ok {
		if codings, ok := typ["coding"].([]interface{}); ok {
			for _, c := range codings {
				coding, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				if coding["system"] == "http://loinc.org" {
					if code, ok := coding["code"].(string); ok {
						return code
					}
				}
			}
		}
	}
	return ""
}

func formatFromResource(resource map[string]interface{}) (code, system string) {
	contents, ok := resource["content"].([]interface{})
	if !ok || len(contents) == 0 {
		return "", ""
	}
	content, ok := contents[0].(map[string]interface{})
	if !ok {
		return "", ""
	}
	format, ok := content["format"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	code, _ = format["code"].(string)
	system, _ = format["system"].(string)
	return code, system
}

func (r *QueryResponder) buildResponse(returnType string, entries []documentEntry) ([]byte, error) {
	response := etree.NewElement("query:AdhocQueryResponse")
	response.CreateAttr("xmlns:query", QueryNS)
	response.CreateAttr("xmlns:rim", RimNS)
	response.CreateAttr("status", responseSuccess)
	objects := response.CreateElement("rim:RegistryObjectList")

	switch returnType {
	case "ObjectRef":
		for _, e := range entries {
			ref := objects.CreateElement("rim:ObjectRef")
			ref.CreateAttr("id", "urn:uuid:"+e.DocID)
			ref.CreateAttr("home", "urn:oid:"+r.HCID)
		}
	case "LeafClass":
		for _, e := range entries {
			objects.AddChild(r.buildExtrinsicObject(e))
		}
		pkg := objects.CreateElement("rim:RegistryPackage")
		pkg.CreateAttr("home", "urn:oid:"+r.HCID)
		pkg.CreateAttr("id", "urn:uuid:"+uuid.NewString())
		pkg.CreateAttr("objectType", "urn:oasis:names:tc:ebxml-regrep:ObjectType:RegistryPackage")
		pkg.CreateAttr("status", statusApproved)
	}

	doc := etree.NewDocument()
	doc.SetRoot(response)
	return doc.WriteToBytes()
}

func (r *QueryResponder) buildExtrinsicObject(e documentEntry) *etree.Element {
	objectID := "urn:uuid:" + uuid.NewString()
	pidConcat := e.PID + "^^^&" + r.HCID + "&ISO"

	obj := etree.NewElement("rim:ExtrinsicObject")
	obj.CreateAttr("id", objectID)
	obj.CreateAttr("home", "urn:oid:"+r.HCID)
	obj.CreateAttr("mimeType", "text/xml")
	obj.CreateAttr("isOpaque", "false")
	obj.CreateAttr("status", statusApproved)

	patientSlot := obj.CreateElement("rim:Slot")
	patientSlot.CreateAttr("name", "sourcePatientId")
	patientSlot.CreateElement("rim:ValueList").CreateElement("rim:Value").SetText(pidConcat)

	// The repository identifier is the community identifier: one logical
	// repository per gateway.
	repoSlot := obj.CreateElement("rim:Slot")
	repoSlot.CreateAttr("name", "repositoryUniqueId")
	repoSlot.CreateElement("rim:ValueList").CreateElement("rim:Value").SetText(r.HCID)

	name := obj.CreateElement("rim:Name")
	localized := name.CreateElement("rim:LocalizedString")
	localized.CreateAttr("charset", "UTF-8")
	localized.CreateAttr("value", e.Table)

	obj.AddChild(buildClassification(objectID, classCodeScheme, e.LOINC, LOINCSystemOID))
	obj.AddChild(buildClassification(objectID, formatCodeScheme, e.FormatCode, e.FormatSystem))
	obj.AddChild(buildClassification(objectID, confCodeScheme, "N", "2.16.840.1.113883.5.25"))
	if e.HCF != "" && e.HCFSystem != "" {
		obj.AddChild(buildClassification(objectID, hcfCodeScheme, e.HCF, e.HCFSystem))
	}

	obj.AddChild(buildExternalIdentifier(objectID, patientIDScheme, pidConcat, "XDSDocumentEntry.patientId"))
	obj.AddChild(buildExternalIdentifier(objectID, uniqueIDScheme, e.DocID, "XDSDocumentEntry.uniqueId"))
	return obj
}

func buildClassification(classifiedObject, scheme, code, system string) *etree.Element {
	cls := etree.NewElement("rim:Classification")
	cls.CreateAttr("id", "urn:uuid:"+uuid.NewString())
	cls.CreateAttr("objectType", "urn:oasis:names:tc:ebxml-regrep:ObjectType:RegistryObject:Classification")
	cls.CreateAttr("classificationScheme", scheme)
	cls.CreateAttr("classifiedObject", classifiedObject)
	cls.CreateAttr("nodeRepresentation", code)
	slot := cls.CreateElement("rim:Slot")
	slot.CreateAttr("name", "codingScheme")
	slot.CreateElement("rim:ValueList").CreateElement("rim:Value").SetText(system)
	return cls
}

func buildExternalIdentifier(registryObject, scheme, value, name string) *etree.Element {
	ei := etree.NewElement("rim:ExternalIdentifier")
	ei.CreateAttr("id", "urn:uuid:"+uuid.NewString())
	ei.CreateAttr("lid", "urn:uuid:"+uuid.NewString())
	ei.CreateAttr("objectType", "urn:oasis:names:tc:ebxml-regrep:ObjectType:RegistryObject:ExternalIdentifier")
	ei.CreateAttr("registryObject", registryObject)
	ei.CreateAttr("identificationScheme", scheme)
	ei.CreateAttr("value", value)
	localized := ei.CreateElement("rim:Name").CreateElement("rim:LocalizedString")
	localized.CreateAttr("charset", "UTF-8")
	localized.CreateAttr("value", name)
	return ei
}
