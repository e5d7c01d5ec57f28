package saml

import (
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xmlsig"
)

const (
	// Namespace is the SAML 2.0 assertion namespace.
	Namespace = "urn:oasis:names:tc:SAML:2.0:assertion"

	xsiNS = "http://www.w3.org/2001/XMLSchema-instance"
	hl7NS = "urn:hl7-org:v3"

	nameIDFormatX509 = "urn:oasis:names:tc:SAML:1.1:nameid-format:X509SubjectName"
	holderOfKey      = "urn:oasis:names:tc:SAML:2.0:cm:holder-of-key"

	// Audience is the fixed service-provider audience expected by exchange
	// partners.
	Audience = "http://ihe.connectathon.XUA/X-ServiceProvider-IHE-Connectathon"

	authnContextPassword = "urn:oasis:names:tc:SAML:2.0:ac:classes:Password"

	purposeCodeSystem     = "2.16.840.1.113883.3.18.7.1"
	purposeCodeSystemName = "nhin-purpose"
	roleCodeSystem        = "2.16.840.1.113883.6.96"
	roleCodeSystemName    = "SNOMED_CT"
)

// UserQualifications carries the caller's identity claims. Every field must
// be populated before any outbound request is signed.
type UserQualifications struct {
	SubjectName  string
	Organization string
	NPI          string
	OrgHCID      string
	UserID       string
}

// Validate reports the first missing qualification, if any.
func (u UserQualifications) Validate() error {
	switch {
	case u.SubjectName == "":
		return fmt.Errorf("user qualifications: subject_name is required")
	case u.Organization == "":
		return fmt.Errorf("user qualifications: organization is required")
	case u.NPI == "":
		return fmt.Errorf("user qualifications: npi is required")
	case u.OrgHCID == "":
		return fmt.Errorf("user qualifications: org_hcid is required")
	case u.UserID == "":
		return fmt.Errorf("user qualifications: user_id is required")
	}
	return nil
}

// Assertion is a signed holder-of-key assertion plus the reference ID the
// message-level signature's KeyIdentifier points back at.
type Assertion struct {
	Element *etree.Element
	RefID   string
}

// Builder produces signed SAML 2.0 holder-of-key assertions bound to the
// gateway's exchange certificate.
type Builder struct {
	signer *xmlsig.Signer

	// Purpose-of-use and subject-role codings attached to every assertion.
	PurposeCode    string
	PurposeDisplay string
	RoleCode       string
	RoleDisplay    string

	now func() time.Time
}

// NewBuilder returns a Builder with the default treatment purpose coding.
func NewBuilder(signer *xmlsig.Signer) *Builder {
	return &Builder{
		signer:         signer,
		PurposeCode:    "TREATMENT",
		PurposeDisplay: "Treatment",
		RoleCode:       "224608005",
		RoleDisplay:    "administrative healthcare staff",
		now:            time.Now,
	}
}

// Build assembles and enveloped-signs an assertion for the given caller.
func (b *Builder) Build(uq UserQualifications) (*Assertion, error) {
	if err := uq.Validate(); err != nil {
		return nil, err
	}

	refID := uuid.NewString()
	issued := b.now().UTC()
	subjectDN := b.signer.SubjectDN()

	a := etree.NewElement("saml2:Assertion")
	a.CreateAttr("xmlns:saml2", Namespace)
	a.CreateAttr("ID", "_"+refID)
	a.CreateAttr("IssueInstant", formatInstant(issued))
	a.CreateAttr("Version", "2.0")

	issuer := a.CreateElement("saml2:Issuer")
	issuer.CreateAttr("Format", nameIDFormatX509)
	issuer.SetText(subjectDN)

	subject := a.CreateElement("saml2:Subject")
	nameID := subject.CreateElement("saml2:NameID")
	nameID.CreateAttr("Format", nameIDFormatX509)
	nameID.SetText(subjectDN)

	sc := subject.CreateElement("saml2:SubjectConfirmation")
	sc.CreateAttr("Method", holderOfKey)
	scd := sc.CreateElement("saml2:SubjectConfirmationData")
	scd.CreateAttr("xmlns:xsi", xsiNS)
	scd.CreateAttr("xsi:type", "saml2:KeyInfoConfirmationDataType")
	keyInfo := scd.CreateElement("ds:KeyInfo")
	keyInfo.CreateAttr("xmlns:ds", xmlsig.DsNS)
	rsaVal := keyInfo.CreateElement("ds:KeyValue").CreateElement("ds:RSAKeyValue")
	rsaVal.CreateElement("ds:Modulus").SetText(b.signer.ModulusBase64())
	rsaVal.CreateElement("ds:Exponent").SetText("AQAB")

	cond := a.CreateElement("saml2:Conditions")
	cond.CreateAttr("NotBefore", formatInstant(issued))
	cond.CreateAttr("NotOnOrAfter", formatInstant(issued.Add(time.Hour)))
	cond.CreateElement("saml2:AudienceRestriction").
		CreateElement("saml2:Audience").
		SetText(Audience)

	authn := a.CreateElement("saml2:AuthnStatement")
	authn.CreateAttr("AuthnInstant", formatInstant(issued))
	authn.CreateElement("saml2:AuthnContext").
		CreateElement("saml2:AuthnContextClassRef").
		SetText(authnContextPassword)

	attrs := a.CreateElement("saml2:AttributeStatement")
	addStringAttribute(attrs, "urn:oasis:names:tc:xspa:1.0:subject:subject-id", "XSPA Subject", uq.SubjectName)
	addStringAttribute(attrs, "urn:oasis:names:tc:xspa:1.0:subject:organization", "", uq.Organization)
	addStringAttribute(attrs, "urn:oasis:names:tc:xspa:2.0:subject:npi", "NPI", uq.NPI)
	addStringAttribute(attrs, "urn:oasis:names:tc:xspa:1.0:subject:organization-id", "XSPA Organization ID", "urn:oid:"+uq.OrgHCID)
	addStringAttribute(attrs, "urn:nhin:names:saml:homeCommunityId", "XCA Home Community ID", "urn:oid:"+uq.OrgHCID)
	addCodedAttribute(attrs, "urn:oasis:names:tc:xspa:1.0:subject:purposeofuse", "Purpose of Use",
		"hl7:PurposeOfUse", b.PurposeCode, b.PurposeDisplay, purposeCodeSystem, purposeCodeSystemName)
	addCodedAttribute(attrs, "urn:oasis:names:tc:xacml:2.0:subject:role", "HL7 Role",
		"hl7:Role", b.RoleCode, b.RoleDisplay, roleCodeSystem, roleCodeSystemName)

	signed, err := b.signer.SignEnveloped(a)
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	// SAML schema places the signature directly after Issuer.
	if sig := signed.FindElement("./Signature"); sig != nil {
		signed.RemoveChild(sig)
		signed.InsertChildAt(1, sig)
	}

	return &Assertion{Element: signed, RefID: refID}, nil
}

func addStringAttribute(parent *etree.Element, name, friendly, value string) {
	attr := parent.CreateElement("saml2:Attribute")
	attr.CreateAttr("Name", name)
	if friendly != "" {
		attr.CreateAttr("FriendlyName", friendly)
	}
	attr.CreateElement("saml2:AttributeValue").SetText(value)
}

func addCodedAttribute(parent *etree.Element, name, friendly, tag, code, display, system, systemName string) {
	attr := parent.CreateElement("saml2:Attribute")
	attr.CreateAttr("Name", name)
	if friendly != "" {
		attr.CreateAttr("FriendlyName", friendly)
	}
	ce := attr.CreateElement("saml2:AttributeValue").CreateElement(tag)
	ce.CreateAttr("xmlns:hl7", hl7NS)
	ce.CreateAttr("hl7:type", "CE")
	ce.CreateAttr("code", code)
	ce.CreateAttr("codeSystem", system)
	ce.CreateAttr("codeSystemName", systemName)
	ce.CreateAttr("displayName", display)
}

// formatInstant renders a SAML instant at millisecond precision.
func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
