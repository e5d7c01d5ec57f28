package xca

// ebXML namespaces and registry constants shared by the query and retrieve
// legs.
const (
	QueryNS = "urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0"
	RimNS   = "urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0"
	RsNS    = "urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0"
	XdsbNS  = "urn:ihe:iti:xds-b:2007"

	// LOINCSystemOID identifies the document-type coding system.
	LOINCSystemOID = "2.16.840.1.113883.6.1"

	statusApproved  = "urn:oasis:names:tc:ebxml-regrep:StatusType:Approved"
	responseSuccess = "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Success"

	// Registry identification schemes, per IHE ITI TF-3 4.2.
	patientIDScheme = "urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427"
	uniqueIDScheme  = "urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab"

	// Classification schemes for classCode, formatCode, confidentialityCode
	// and healthcareFacilityTypeCode.
	classCodeScheme  = "urn:uuid:41a5887f-8865-4c09-adf7-e362475b143a"
	formatCodeScheme = "urn:uuid:a09d5840-386c-46f2-b5ad-9c3699a4309d"
	confCodeScheme   = "urn:uuid:f4f85eac-e6cb-4883-b524-f2705394840f"
	hcfCodeScheme    = "urn:uuid:93606bcf-9494-43ec-9b4e-a7748d1a838d"
)

// DocumentRef locates one remote document discovered by a Cross-Gateway
// Query, with everything the retrieve leg needs.
type DocumentRef struct {
	PID             string
	DocID           string
	RepositoryID    string
	DocType         string
	ReplacementHCID string
}

// DocTypeTemplates maps a document's LOINC code to the rendering template
// downstream consumers apply to it. The empty key is the fallback.
var DocTypeTemplates = map[string]string{
	"11488-4": "ConsultationNote.hbs",
	"11506-3": "ProgressNote.hbs",
	"34117-2": "HistoryandPhysical.hbs",
	"57133-1": "ReferralNote.hbs",
	"18776-5": "DischargeSummary.hbs",
	"18761-7": "TransferSummary.hbs",
	"11504-8": "OperativeNote.hbs",
	"34133-9": "ccd.hbs",
	"":        "ccd.hbs",
}

// TemplateForDocType resolves a LOINC code to its rendering template.
func TemplateForDocType(loinc string) string {
	if t, ok := DocTypeTemplates[loinc]; ok {
		return t
	}
	return DocTypeTemplates[""]
}
