package xca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/transport"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// QueryTimeout bounds one Cross-Gateway Query exchange.
const QueryTimeout = 60 * time.Second

// QueryInitiator drives Cross-Gateway Query (ITI-38) against a remote
// responding gateway.
type QueryInitiator struct {
	Codec *soapenv.Codec
	SAML  *saml.Builder
	HTTP  transport.Poster
}

// NewQueryInitiator wires a document-query initiator.
func NewQueryInitiator(codec *soapenv.Codec, samlBuilder *saml.Builder, poster transport.Poster) *QueryInitiator {
	return &QueryInitiator{Codec: codec, SAML: samlBuilder, HTTP: poster}
}

// Query asks one responder which documents it holds for the given patient
// identifiers. Transport failures yield an empty reference list and a nil
// error; only precondition and signing failures surface.
func (q *QueryInitiator) Query(ctx context.Context, endpointURL, responderHCID string, ids []xcpd.PatientID, uq saml.UserQualifications) ([]DocumentRef, error) {
	assertion, err := q.SAML.Build(uq)
	if err != nil {
		return nil, err
	}

	body := BuildQueryRequest(responderHCID, ids)
	envelope, err := q.Codec.BuildSignedRequest(soapenv.ITI38.RequestAction(), endpointURL, body, assertion)
	if err != nil {
		return nil, err
	}

	raw, err := q.HTTP.Post(ctx, endpointURL, envelope, QueryTimeout)
	if err != nil {
		logger.Debugf("iti38: %s failed: %v", endpointURL, err)
		return nil, nil
	}

	return ParseQueryResponse(raw, responderHCID), nil
}

// BuildQueryRequest constructs an AdhocQueryRequest for a FindDocuments
// stored query, one patient-id value per identifier.
func BuildQueryRequest(responderHCID string, ids []xcpd.PatientID) *etree.Element {
	root := etree.NewElement("query:AdhocQueryRequest")
	root.CreateAttr("xmlns:query", QueryNS)
	root.CreateAttr("xmlns:rim", RimNS)
	root.CreateAttr("xmlns:rs", RsNS)

	opt := root.CreateElement("query:ResponseOption")
	opt.CreateAttr("returnComposedObjects", "true")
	opt.CreateAttr("returnType", "LeafClass")

	adhoc := root.CreateElement("rim:AdhocQuery")
	adhoc.CreateAttr("id", "urn:uuid:"+uuid.NewString())
	adhoc.CreateAttr("home", "urn:oid:"+responderHCID)

	pidSlot := adhoc.CreateElement("rim:Slot")
	pidSlot.CreateAttr("name", "$XDSDocumentEntryPatientId")
	pidValues := pidSlot.CreateElement("rim:ValueList")
	for _, id := range ids {
		v := pidValues.CreateElement("rim:Value")
		v.SetText(fmt.Sprintf("'%s^^^&%s&ISO'", id.Extension, id.Root))
	}

	statusSlot := adhoc.CreateElement("rim:Slot")
	statusSlot.CreateAttr("name", "$XDSDocumentEntryStatus")
	statusSlot.CreateElement("rim:ValueList").CreateElement("rim:Value").
		SetText("('" + statusApproved + "')")

	return root
}

// ParseQueryResponse walks the ExtrinsicObjects of an AdhocQueryResponse and
// collects one DocumentRef per complete entry. Incomplete entries and
// unreadable responses are skipped, never fatal.
func ParseQueryResponse(raw []byte, responderHCID string) []DocumentRef {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return nil
	}
	doc, err := query.Parse(env)
	if err != nil {
		return nil
	}

	var refs []DocumentRef
	for _, obj := range query.FindAll(doc, "//*[local-name()='ExtrinsicObject']") {
		if ref, ok := parseExtrinsicObject(obj, responderHCID); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func parseExtrinsicObject(obj *xmlquery.Node, responderHCID string) (DocumentRef, bool) {
	ref := DocumentRef{ReplacementHCID: responderHCID}
	if home := obj.SelectAttr("home"); home != "" {
		ref.ReplacementHCID = utils.TrimOIDPrefix(home)
	}

	ref.RepositoryID = query.Text(obj,
		"./*[local-name()='Slot'][@name='repositoryUniqueId']/*[local-name()='ValueList']/*[local-name()='Value']")

	for _, cls := range query.FindAll(obj, "./*[local-name()='Classification']") {
		scheme := query.Text(cls,
			"./*[local-name()='Slot']/*[local-name()='ValueList']/*[local-name()='Value']")
		if scheme == LOINCSystemOID {
			ref.DocType = cls.SelectAttr("nodeRepresentation")
		}
	}

	for _, ext := range query.FindAll(obj, "./*[local-name()='ExternalIdentifier']") {
		value := ext.SelectAttr("value")
		switch ext.SelectAttr("identificationScheme") {
		case patientIDScheme:
			ref.PID = strings.SplitN(value, "^^^", 2)[0]
			if ref.RepositoryID == "" {
				ref.RepositoryID = repositoryFromPatientID(value)
			}
		case uniqueIDScheme:
			ref.DocID = value
		}
	}

	if ref.PID == "" || ref.DocID == "" || ref.RepositoryID == "" {
		return DocumentRef{}, false
	}
	return ref, true
}

// repositoryFromPatientID falls back to the assigning-authority OID embedded
// in the patient identifier when the entry carries no repositoryUniqueId
// slot.
func repositoryFromPatientID(value string) string {
	parts := strings.SplitN(value, "^^^&", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.SplitN(parts[1], "&", 2)[0]
}
