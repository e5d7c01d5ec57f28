package xcpd

import (
	"context"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/query"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/transport"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

const (
	// HL7NS is the HL7 v3 payload namespace.
	HL7NS = "urn:hl7-org:v3"

	hl7CodeSystemRoot = "2.16.840.1.113883.1.6"

	// Fixed query identifier carried by every discovery query.
	queryIDRoot = "61023518-3f6e-4ad5-a465-87082e96b66f"

	// NationalTimeout bounds discovery against national-scale responders,
	// RegionalTimeout against everyone else.
	NationalTimeout = 45 * time.Second
	RegionalTimeout = 60 * time.Second
)

// Initiator drives Cross-Gateway Patient Discovery (ITI-55) against one or
// more remote responders.
type Initiator struct {
	Codec      *soapenv.Codec
	SAML       *saml.Builder
	HTTP       transport.Poster
	SenderHCID string

	now func() time.Time
}

// NewInitiator wires a discovery initiator.
func NewInitiator(codec *soapenv.Codec, samlBuilder *saml.Builder, poster transport.Poster, senderHCID string) *Initiator {
	return &Initiator{
		Codec:      codec,
		SAML:       samlBuilder,
		HTTP:       poster,
		SenderHCID: senderHCID,
		now:        time.Now,
	}
}

// Discover runs one ITI-55 exchange. Transport failures and unparseable
// responses become sentinel outcomes; only precondition and signing failures
// surface as errors.
func (i *Initiator) Discover(ctx context.Context, endpointURL, responderHCID string, pm PatientMetadata, uq saml.UserQualifications, national bool) (Outcome, error) {
	assertion, err := i.SAML.Build(uq)
	if err != nil {
		return Outcome{Kind: NotFound}, err
	}

	body := i.BuildRequest(pm, responderHCID, uq.OrgHCID, national)
	envelope, err := i.Codec.BuildSignedRequest(soapenv.ITI55.RequestAction(), endpointURL, body, assertion)
	if err != nil {
		return Outcome{Kind: NotFound}, err
	}

	timeout := RegionalTimeout
	if national {
		timeout = NationalTimeout
	}
	raw, err := i.HTTP.Post(ctx, endpointURL, envelope, timeout)
	if err != nil {
		if transport.IsTimeout(err) {
			logger.Debugf("iti55: %s timed out", endpointURL)
			return Outcome{Kind: TimedOut}, nil
		}
		logger.Debugf("iti55: %s failed: %v", endpointURL, err)
		return Outcome{Kind: NotFound}, nil
	}

	return ParseResponse(raw), nil
}

// BuildRequest constructs the PRPA_IN201305UV02 payload. National searches
// omit patientAddress entirely, which widens the match against national
// responders.
func (i *Initiator) BuildRequest(pm PatientMetadata, responderHCID, orgHCID string, national bool) *etree.Element {
	root := etree.NewElement("PRPA_IN201305UV02")
	root.CreateAttr("xmlns", HL7NS)
	root.CreateAttr("ITSVersion", "XML_1.0")

	id := root.CreateElement("id")
	id.CreateAttr("root", uuid.NewString())
	id.CreateAttr("extension", "2211")

	root.CreateElement("creationTime").CreateAttr("value", i.now().UTC().Format("20060102150405"))

	inter := root.CreateElement("interactionId")
	inter.CreateAttr("root", hl7CodeSystemRoot)
	inter.CreateAttr("extension", "PRPA_IN201305UV02")

	root.CreateElement("processingCode").CreateAttr("code", "P")
	root.CreateElement("processingModeCode").CreateAttr("code", "T")
	root.CreateElement("acceptAckCode").CreateAttr("code", "AL")

	receiver := root.CreateElement("receiver")
	receiver.CreateAttr("typeCode", "RCV")
	addDevice(receiver, responderHCID, responderHCID)

	sender := root.CreateElement("sender")
	sender.CreateAttr("typeCode", "SND")
	addDevice(sender, i.SenderHCID, orgHCID)

	controlAct := root.CreateElement("controlActProcess")
	controlAct.CreateAttr("classCode", "CACT")
	controlAct.CreateAttr("moodCode", "EVN")
	code := controlAct.CreateElement("code")
	code.CreateAttr("code", "PRPA_TE201305UV02")
	code.CreateAttr("codeSystemName", hl7CodeSystemRoot)
	author := controlAct.CreateElement("authorOrPerformer")
	author.CreateAttr("typeCode", "AUT")
	author.CreateElement("assignedPerson").CreateAttr("classCode", "ASSIGNED")

	qbp := controlAct.CreateElement("queryByParameter")
	qbp.CreateElement("queryId").CreateAttr("root", queryIDRoot)
	qbp.CreateElement("statusCode").CreateAttr("code", "new")
	qbp.CreateElement("responseModalityCode").CreateAttr("code", "R")
	qbp.CreateElement("responsePriorityCode").CreateAttr("code", "I")
	qbp.CreateElement("matchCriterionList")

	params := qbp.CreateElement("parameterList")

	gender := params.CreateElement("livingSubjectAdministrativeGender")
	gender.CreateElement("value").CreateAttr("code", pm.Gender)
	gender.CreateElement("semanticsText").SetText("LivingSubject.AdministrativeGender")

	birth := params.CreateElement("livingSubjectBirthTime")
	birth.CreateElement("value").CreateAttr("value", strings.ReplaceAll(pm.BirthTime, "-", ""))
	birth.CreateElement("semanticsText").SetText("LivingSubject.birthTime")

	name := params.CreateElement("livingSubjectName")
	nameVal := name.CreateElement("value")
	nameVal.CreateElement("family").SetText(pm.FamilyName)
	nameVal.CreateElement("given").SetText(pm.GivenName)
	name.CreateElement("semanticsText").SetText("LivingSubject.name")

	if !national && pm.HasAddress() {
		addr := params.CreateElement("patientAddress")
		addrVal := addr.CreateElement("value")
		if pm.StreetAddressLine != "" {
			addrVal.CreateElement("streetAddressLine").SetText(pm.StreetAddressLine)
		}
		if pm.City != "" {
			addrVal.CreateElement("city").SetText(pm.City)
		}
		if pm.State != "" {
			addrVal.CreateElement("state").SetText(pm.State)
		}
		if pm.PostalCode != "" {
			addrVal.CreateElement("postalCode").SetText(pm.PostalCode)
		}
		if pm.Country != "" {
			addrVal.CreateElement("country").SetText(pm.Country)
		}
		addr.CreateElement("semanticsText").SetText("Patient.addr")
	}

	if pm.PhoneNumber != "" || pm.Email != "" {
		telecom := params.CreateElement("patientTelecom")
		if pm.PhoneNumber != "" {
			val := telecom.CreateElement("value")
			val.CreateAttr("value", FormatPhone(pm.PhoneNumber))
			val.CreateAttr("use", "HP")
		}
		if pm.Email != "" {
			val := telecom.CreateElement("value")
			val.CreateAttr("value", "mailto:"+pm.Email)
			val.CreateAttr("use", "H")
		}
		telecom.CreateElement("semanticsText").SetText("Patient.telecom")
	}

	return root
}

func addDevice(parent *etree.Element, deviceHCID, orgHCID string) {
	device := parent.CreateElement("device")
	device.CreateAttr("classCode", "DEV")
	device.CreateAttr("determinerCode", "INSTANCE")
	device.CreateElement("id").CreateAttr("root", deviceHCID)
	agent := device.CreateElement("asAgent")
	agent.CreateAttr("classCode", "AGNT")
	org := agent.CreateElement("representedOrganization")
	org.CreateAttr("classCode", "ORG")
	org.CreateAttr("determinerCode", "INSTANCE")
	org.CreateElement("id").CreateAttr("root", orgHCID)
}

// ParseResponse classifies a raw ITI-55 response. It never fails: anything
// that cannot be read as a single-match response collapses into a sentinel.
func ParseResponse(raw []byte) Outcome {
	env := soapenv.ExtractEnvelope(raw)
	if env == nil {
		return Outcome{Kind: NotFound}
	}
	doc, err := query.Parse(env)
	if err != nil {
		return Outcome{Kind: NotFound}
	}

	code := query.Attr(doc, query.LocalPath("queryAck", "queryResponseCode"), "code")
	if code != "OK" {
		return Outcome{Kind: NotFound}
	}

	events := query.FindAll(doc, query.LocalPath("registrationEvent"))
	switch len(events) {
	case 0:
		return Outcome{Kind: NotFound}
	case 1:
		return extractPatient(events[0])
	default:
		return Outcome{Kind: Multiple}
	}
}

func extractPatient(event *xmlquery.Node) Outcome {
	idNode := query.FindOne(event, ".//*[local-name()='patient']/*[local-name()='id']")
	if idNode == nil {
		return Outcome{Kind: NotFound}
	}

	out := Outcome{
		Kind: Found,
		IDs: []PatientID{{
			Root:      idNode.SelectAttr("root"),
			Extension: idNode.SelectAttr("extension"),
		}},
	}

	person := query.FindOne(event, ".//*[local-name()='patientPerson']")
	if person == nil {
		return out
	}

	// Every demographic field is optional in a remote response; missing
	// nodes leave the field empty rather than failing the parse.
	out.Patient = PatientMetadata{
		GivenName:         query.Text(person, ".//*[local-name()='name']/*[local-name()='given']"),
		FamilyName:        query.Text(person, ".//*[local-name()='name']/*[local-name()='family']"),
		Gender:            query.Attr(person, ".//*[local-name()='administrativeGenderCode']", "code"),
		BirthTime:         query.Attr(person, ".//*[local-name()='birthTime']", "value"),
		PhoneNumber:       query.Attr(person, ".//*[local-name()='telecom']", "value"),
		StreetAddressLine: query.Text(person, ".//*[local-name()='addr']/*[local-name()='streetAddressLine']"),
		City:              query.Text(person, ".//*[local-name()='addr']/*[local-name()='city']"),
		State:             query.Text(person, ".//*[local-name()='addr']/*[local-name()='state']"),
		PostalCode:        query.Text(person, ".//*[local-name()='addr']/*[local-name()='postalCode']"),
		Country:           query.Text(person, ".//*[local-name()='addr']/*[local-name()='country']"),
	}
	return out
}
