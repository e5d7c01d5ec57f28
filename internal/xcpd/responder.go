package xcpd

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

const mothersMaidenNameURL = "http://hl7.org/fhir/StructureDefinition/patient-mothersMaidenName"

// Responder answers inbound Cross-Gateway Patient Discovery queries from the
// local patient store.
type Responder struct {
	DB           *sql.DB
	HCID         string
	URL          string
	PossibleURLs []string

	now func() time.Time
}

// NewResponder wires a discovery responder serving the given local identity.
func NewResponder(db *sql.DB, hcid, url string, possibleURLs []string) *Responder {
	return &Responder{
		DB:           db,
		HCID:         hcid,
		URL:          url,
		PossibleURLs: possibleURLs,
		now:          time.Now,
	}
}

// discoveryParams maps inbound query parameters to their XPath location and
// accessor. The static table replaces per-field code with data; order
// matters, the first three populated fields are the required ones.
var discoveryParams = []struct {
	name string
	path string
	attr string // empty means text content
}{
	{"given", "//*[local-name()='livingSubjectName']/*[local-name()='value']/*[local-name()='given']", ""},
	{"family", "//*[local-name()='livingSubjectName']/*[local-name()='value']/*[local-name()='family']", ""},
	{"birthtime", "//*[local-name()='livingSubjectBirthTime']/*[local-name()='value']", "value"},
	{"gender", "//*[local-name()='livingSubjectAdministrativeGender']/*[local-name()='value']", "code"},
	{"city", "//*[local-name()='patientAddress']/*[local-name()='value']/*[local-name()='city']", ""},
	{"state", "//*[local-name()='patientAddress']/*[local-name()='value']/*[local-name()='state']", ""},
	{"line", "//*[local-name()='patientAddress']/*[local-name()='value']/*[local-name()='streetAddressLine']", ""},
	{"country", "//*[local-name()='patientAddress']/*[local-name()='value']/*[local-name()='country']", ""},
	{"postal_code", "//*[local-name()='patientAddress']/*[local-name()='value']/*[local-name()='postalCode']", ""},
	{"mmname", "//*[local-name()='mothersMaidenName']/*[local-name()='value']/*[local-name()='family']", ""},
	{"patient_telecom", "//*[local-name()='patientTelecom']/*[local-name()='value']", "value"},
	{"telecom_use", "//*[local-name()='patientTelecom']/*[local-name()='value']", "use"},
	{"pcp_id_root", "//*[local-name()='principalCareProviderId']/*[local-name()='value']", "root"},
	{"pcp_id_extension", "//*[local-name()='principalCareProviderId']/*[local-name()='value']", "extension"},
}

// fieldQueries maps each parameter to its JSON-containment predicate over
// the Patient table. The containment document is bound as a parameter, never
// spliced into the SQL.
var fieldQueries = []struct {
	field string
	where string
	arg   func(v string) (string, error)
}{
	{"given", "resource->'name' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"given": []string{v}}})
	}},
	{"family", "resource->'name' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"family": v}})
	}},
	{"birthtime", "resource->'birthDate' @> $1", func(v string) (string, error) {
		return marshalArg(v)
	}},
	{"gender", "resource->'gender' @> $1", func(v string) (string, error) {
		return marshalArg(v)
	}},
	{"city", "resource->'address' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"city": v}})
	}},
	{"state", "resource->'address' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"state": v}})
	}},
	{"line", "resource->'address' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"line": []string{v}}})
	}},
	{"country", "resource->'address' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"country": v}})
	}},
	{"postal_code", "resource->'address' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"postalCode": []string{v}}})
	}},
	{"mmname", "resource->'extension' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"url": mothersMaidenNameURL, "valueString": v}})
	}},
	{"patient_telecom", "resource->'telecom' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"value": v}})
	}},
	{"telecom_use", "resource->'telecom' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"use": v}})
	}},
	{"pcp_id_root", "resource->'pcpid' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"root": v}})
	}},
	{"pcp_id_extension", "resource->'pcpid' @> $1", func(v string) (string, error) {
		return marshalArg([]map[string]interface{}{{"extension": v}})
	}},
}

func marshalArg(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal containment arg: %w", err)
	}
	return string(b), nil
}

// Handle answers one inbound discovery request, returning the
// PRPA_IN201306UV02 body. Requests not addressed to this gateway fail hard.
func (r *Responder) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return nil, fmt.Errorf("iti55 responder: no envelope in request")
	}
	doc, err := query.Parse(env)
	if err != nil {
		return nil, fmt.Errorf("iti55 responder: %w", err)
	}

	to := query.Text(doc, query.LocalPath("Envelope", "Header", "To"))
	if !r.addressedToUs(to) {
		return nil, fmt.Errorf("iti55 responder: request addressed to %q: %w", to, soapenv.ErrWrongAddressee)
	}

	queryIDNode := query.FindOne(doc, query.LocalPath("queryByParameter", "queryId"))
	qbpNode := query.FindOne(doc, query.LocalPath("queryByParameter"))
	if queryIDNode == nil || qbpNode == nil {
		return nil, fmt.Errorf("iti55 responder: request has no queryByParameter")
	}
	theirHCID := query.Attr(doc, query.LocalPath("sender", "device", "id"), "root")

	params := ExtractDiscoveryParams(doc)

	patients, err := r.SearchPatients(ctx, params)
	if err != nil {
		// A store failure must not leak internals to the peer; answer NF.
		logger.Errorf("iti55 responder: patient search failed: %v", err)
		patients = nil
	}

	fill := fillContent{
		OurHCID:                 r.HCID,
		TheirHCID:               theirHCID,
		OurURL:                  r.URL,
		CreationTime:            r.now().UTC().Format("20060102150405"),
		QueryIDElement:          queryIDNode.OutputXML(true),
		QueryByParameterElement: qbpNode.OutputXML(true),
	}

	if len(patients) == 1 {
		for pid, facts := range patients {
			fill.PID = pid
			fill.Given = facts.Given
			fill.Family = facts.Family
			fill.BirthTime = facts.BirthTime
			fill.GenderCode = facts.Gender
			fill.GenderDisplay = "None"
			fill.Tel = facts.Telephone
			fill.TelecomUse = facts.TelecomUse
			fill.StreetAddressLine = facts.Line
			fill.City = facts.City
			fill.Country = facts.Country
			fill.PostalCode = facts.PostalCode
			fill.PCPExt = facts.PCPExtension
			fill.PCPRoot = facts.PCPRoot
			fill.MMName = facts.MothersMaidenName
		}
		return renderTemplate(singleMatchTemplate, fill)
	}
	return renderTemplate(notFoundTemplate, fill)
}

func (r *Responder) addressedToUs(to string) bool {
	for _, u := range r.PossibleURLs {
		if to == u {
			return true
		}
	}
	return false
}

// ExtractDiscoveryParams pulls the demographic parameters out of an inbound
// query, normalising gender and birth date spellings to the store's codes.
func ExtractDiscoveryParams(doc *xmlquery.Node) map[string]string {
	params := make(map[string]string)
	for _, p := range discoveryParams {
		node := query.FindOne(doc, p.path)
		if node == nil {
			continue
		}
		var v string
		if p.attr == "" {
			v = node.InnerText()
		} else {
			v = node.SelectAttr(p.attr)
		}
		if v == "" {
			continue
		}
		switch p.name {
		case "gender":
			v = utils.NormalizeGender(v)
		case "birthtime":
			v = utils.NormalizeBirthDate(v)
		}
		params[p.name] = v
	}
	return params
}

// PatientFacts is everything the store knows about one matched patient.
type PatientFacts struct {
	Given             string
	Family            string
	Gender            string
	BirthTime         string
	Line              string
	City              string
	Country           string
	PostalCode        string
	PCPExtension      string
	PCPRoot           string
	MothersMaidenName string
	Telephone         string
	TelecomUse        string
}

// SearchPatients runs one containment lookup per populated parameter,
// intersects the first three result sets (the required fields), and hydrates
// each surviving patient.
func (r *Responder) SearchPatients(ctx context.Context, params map[string]string) (map[string]PatientFacts, error) {
	var idSets []map[string]bool
	for _, fq := range fieldQueries {
		v := params[fq.field]
		if v == "" {
			continue
		}
		arg, err := fq.arg(v)
		if err != nil {
			return nil, err
		}
		rows, err := r.DB.QueryContext(ctx, "SELECT id FROM Patient WHERE "+fq.where, arg)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", fq.field, err)
		}
		ids := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", fq.field, err)
			}
			ids[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s: %w", fq.field, err)
		}
		rows.Close()
		idSets = append(idSets, ids)
	}

	if len(idSets) == 0 {
		return map[string]PatientFacts{}, nil
	}
	// Only the required parameters participate in the match; optional ones
	// are extracted but not yet enforced.
	required := idSets
	if len(required) > 3 {
		required = required[:3]
	}
	final := required[0]
	for _, s := range required[1:] {
		next := make(map[string]bool)
		for id := range final {
			if s[id] {
				next[id] = true
			}
		}
		final = next
	}

	patients := make(map[string]PatientFacts, len(final))
	for id := range final {
		var resourceJSON []byte
		if err := r.DB.QueryRowContext(ctx, "SELECT resource FROM Patient WHERE id = $1", id).Scan(&resourceJSON); err != nil {
			return nil, fmt.Errorf("hydrate patient %s: %w", id, err)
		}
		var resource map[string]interface{}
		if err := json.Unmarshal(resourceJSON, &resource); err != nil {
			return nil, fmt.Errorf("decode patient %s: %w", id, err)
		}
		patients[id] = factsFromResource(resource)
	}
	return patients, nil
}

func factsFromResource(resource map[string]interface{}) PatientFacts {
	raw := func(v interface{}) string { s, _ := v.(string); return s }
	return PatientFacts{
		Given:             jsonStr(jsonStrAt(jsonField(resource["name"], 0, "given"), 0)),
		Family:            jsonStr(jsonField(resource["name"], 0, "family")),
		Gender:            genderCode(raw(resource["gender"])),
		BirthTime:         jsonStr(resource["birthDate"]),
		Line:              jsonStr(jsonStrAt(jsonField(resource["address"], 0, "line"), 0)),
		City:              jsonStr(jsonField(resource["address"], 0, "city")),
		Country:           jsonStr(jsonField(resource["address"], 0, "country")),
		PostalCode:        jsonStr(jsonField(resource["address"], 0, "postalCode")),
		PCPExtension:      jsonStr(jsonField(resource["pcpid"], 0, "extension")),
		PCPRoot:           jsonStr(jsonField(resource["pcpid"], 0, "root")),
		MothersMaidenName: jsonStr(jsonField(resource["extension"], 0, "valueString")),
		Telephone:         jsonStr(jsonField(resource["telecom"], 0, "value")),
		TelecomUse:        jsonStr(jsonField(resource["telecom"], 0, "use")),
	}
}

// genderCode maps a stored FHIR gender back to the HL7 single-letter code.
func genderCode(g string) string {
	if g == "" {
		return "None"
	}
	switch g[0] {
	case 'm', 'M':
		return "M"
	case 'f', 'F':
		return "F"
	default:
		return "U"
	}
}

// jsonField returns v[i][key] when v is an array of objects, or nil.
func jsonField(v interface{}, i int, key string) interface{} {
	arr, ok := v.([]interface{})
	if !ok || i >= len(arr) {
		return nil
	}
	m, ok := arr[i].(map[string]interface{})
	if !ok {
		return nil
	}
	return m[key]
}

// jsonStrAt returns v[i] when v is an array, or nil.
func jsonStrAt(v interface{}, i int) interface{} {
	arr, ok := v.([]interface{})
	if !ok || i >= len(arr) {
		return nil
	}
	return arr[i]
}

// jsonStr renders a scalar as string, with the store's "None" placeholder
// for anything missing.
func jsonStr(v interface{}) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return "None"
	}
	return s
}

type fillContent struct {
	PID               string
	Given             string
	Family            string
	BirthTime         string
	GenderCode        string
	GenderDisplay     string
	Tel               string
	TelecomUse        string
	StreetAddressLine string
	City              string
	Country           string
	PostalCode        string
	PCPExt            string
	PCPRoot           string
	MMName            string
	OurHCID           string
	TheirHCID         string
	OurURL            string
	CreationTime      string
	OrgName           string
	OurWebsite        string

	QueryIDElement          string
	QueryByParameterElement string
}

func renderTemplate(t *template.Template, fill fillContent) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, fill); err != nil {
		return nil, fmt.Errorf("render iti55 response: %w", err)
	}
	return buf.Bytes(), nil
}
