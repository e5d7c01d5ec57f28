package soapenv

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/saml"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xmlsig"
)

const (
	SoapNS = "http://www.w3.org/2003/05/soap-envelope"
	AddrNS = "http://www.w3.org/2005/08/addressing"
	WsseNS = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	Wsse11 = "http://docs.oasis-open.org/wss/oasis-wss-wssecurity-secext-1.1.xsd"
	WsuNS  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"

	AnonymousAddress = "http://www.w3.org/2005/08/addressing/anonymous"

	samlTokenType   = "http://docs.oasis-open.org/wss/oasis-wss-saml-token-profile-1.1#SAMLV2.0"
	samlIDValueType = "http://docs.oasis-open.org/wss/oasis-wss-saml-token-profile-1.1#SAMLID"
)

// ErrWrongAddressee marks requests whose WS-Addressing To header names some
// other gateway. Responders wrap it so transports can answer with a client
// error instead of a server one.
var ErrWrongAddressee = errors.New("request not addressed to this gateway")

// Transaction identifies one of the three exchange transactions.
type Transaction int

const (
	ITI55 Transaction = iota
	ITI38
	ITI39
)

// RequestAction returns the WS-Addressing action URI for the request leg.
func (t Transaction) RequestAction() string {
	switch t {
	case ITI55:
		return "urn:hl7-org:v3:PRPA_IN201305UV02:CrossGatewayPatientDiscovery"
	case ITI38:
		return "urn:ihe:iti:2007:CrossGatewayQuery"
	case ITI39:
		return "urn:ihe:iti:2007:CrossGatewayRetrieve"
	}
	return ""
}

// ResponseAction returns the WS-Addressing action URI for the response leg.
func (t Transaction) ResponseAction() string {
	switch t {
	case ITI55:
		return "urn:hl7-org:v3:PRPA_IN201306UV02:CrossGatewayPatientDiscovery"
	case ITI38:
		return "urn:ihe:iti:2007:CrossGatewayQueryResponse"
	case ITI39:
		return "urn:ihe:iti:2007:CrossGatewayRetrieveResponse"
	}
	return ""
}

// Codec builds outbound request envelopes and plain reply envelopes.
type Codec struct {
	signer *xmlsig.Signer
	now    func() time.Time
	newID  func() string
}

// NewCodec returns a Codec signing with the given exchange credentials.
func NewCodec(signer *xmlsig.Signer) *Codec {
	return &Codec{
		signer: signer,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// BuildSignedRequest wraps body in a SOAP 1.2 envelope addressed to
// destination. The WS-Security header carries a wsu:Timestamp (Id "_0"), the
// caller's signed assertion, and a detached signature over the Timestamp and
// the To element (Id "_1") whose KeyInfo back-references the assertion ID.
func (c *Codec) BuildSignedRequest(action, destination string, body *etree.Element, assertion *saml.Assertion) ([]byte, error) {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", SoapNS)
	header := env.CreateElement("s:Header")

	actionEl := header.CreateElement("a:Action")
	actionEl.CreateAttr("xmlns:a", AddrNS)
	actionEl.CreateAttr("s:mustUnderstand", "1")
	actionEl.SetText(action)

	msgID := header.CreateElement("a:MessageID")
	msgID.CreateAttr("xmlns:a", AddrNS)
	msgID.SetText("urn:uuid:" + c.newID())

	replyTo := header.CreateElement("a:ReplyTo")
	replyTo.CreateAttr("xmlns:a", AddrNS)
	replyTo.CreateElement("a:Address").SetText(AnonymousAddress)

	// To and Timestamp declare their namespaces locally so their exclusive
	// canonical forms are self-contained for the detached signature.
	to := header.CreateElement("a:To")
	to.CreateAttr("xmlns:a", AddrNS)
	to.CreateAttr("xmlns:wsu", WsuNS)
	to.CreateAttr("wsu:Id", "_1")
	to.SetText(destination)

	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", WsseNS)
	sec.CreateAttr("xmlns:wsu", WsuNS)
	sec.CreateAttr("s:mustUnderstand", "true")

	now := c.now().UTC()
	ts := sec.CreateElement("wsu:Timestamp")
	ts.CreateAttr("xmlns:wsu", WsuNS)
	ts.CreateAttr("wsu:Id", "_0")
	ts.CreateElement("wsu:Created").SetText(formatTimestamp(now))
	ts.CreateElement("wsu:Expires").SetText(formatTimestamp(now.Add(time.Hour)))

	sec.AddChild(assertion.Element.Copy())

	str := etree.NewElement("wsse:SecurityTokenReference")
	str.CreateAttr("xmlns:wsse", WsseNS)
	str.CreateAttr("xmlns:b", Wsse11)
	str.CreateAttr("b:TokenType", samlTokenType)
	kid := str.CreateElement("wsse:KeyIdentifier")
	kid.CreateAttr("ValueType", samlIDValueType)
	kid.SetText("_" + assertion.RefID)

	sig, err := c.signer.SignDetached([]xmlsig.Reference{
		{URI: "#_0", Element: ts},
		{URI: "#_1", Element: to},
	}, str)
	if err != nil {
		return nil, fmt.Errorf("sign request envelope: %w", err)
	}
	sec.AddChild(sig)

	env.CreateElement("s:Body").AddChild(body)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize envelope: %w", err)
	}
	return out, nil
}

// BuildReply wraps body in a response envelope carrying the response action
// and a RelatesTo echoing the request MessageID. Replies are not signed.
func BuildReply(action, relatesTo string, body *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", SoapNS)
	header := env.CreateElement("s:Header")

	actionEl := header.CreateElement("a:Action")
	actionEl.CreateAttr("xmlns:a", AddrNS)
	actionEl.CreateAttr("s:mustUnderstand", "1")
	actionEl.SetText(action)

	if relatesTo != "" {
		rel := header.CreateElement("a:RelatesTo")
		rel.CreateAttr("xmlns:a", AddrNS)
		rel.SetText(relatesTo)
	}

	env.CreateElement("s:Body").AddChild(body)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize reply envelope: %w", err)
	}
	return out, nil
}

// BuildReplyRaw is BuildReply for a body that is already serialized XML.
func BuildReplyRaw(action, relatesTo string, body []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse reply body: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parse reply body: no root element")
	}
	return BuildReply(action, relatesTo, root)
}

// Peers wrap envelopes in MIME multipart or prepend junk; a lenient scan
// recovers the first Envelope region regardless of prefix.
var envelopeRE = regexp.MustCompile(`(?s)<(?:[^>:]+:)?Envelope[^>]*>.*?</(?:[^>:]+:)?Envelope>`)

// ExtractEnvelope returns the first SOAP envelope found in raw, or nil.
func ExtractEnvelope(raw []byte) []byte {
	return envelopeRE.Find(raw)
}

// formatTimestamp renders a wsu timestamp at millisecond precision.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
