package xmlsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// Algorithm identifiers pinned by the exchange profile. Partner gateways
// still negotiate RSA-SHA1, so both signature flavours stay on it.
const (
	DsNS            = "http://www.w3.org/2000/09/xmldsig#"
	ExcC14NAlg      = "http://www.w3.org/2001/10/xml-exc-c14n#"
	RSASHA1Alg      = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	SHA1Alg         = "http://www.w3.org/2000/09/xmldsig#sha1"
	EnvelopedSigAlg = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
)

// Signer wraps the gateway's exchange certificate and produces both the
// enveloped assertion signature and the detached message-level signature.
type Signer struct {
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	keyStore dsig.X509KeyStore
}

// NewSigner builds a Signer from a loaded TLS certificate. The exchange
// certificate doubles as the signing certificate.
func NewSigner(cert tls.Certificate) (*Signer, error) {
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("exchange certificate key is %T, want *rsa.PrivateKey", cert.PrivateKey)
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("exchange certificate has no certificate chain")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse exchange certificate: %w", err)
	}
	return &Signer{
		key:      key,
		cert:     leaf,
		keyStore: dsig.TLSCertKeyStore(cert),
	}, nil
}

// NewSignerFromPEM builds a Signer from PEM-encoded certificate and key.
func NewSignerFromPEM(certPEM, keyPEM []byte) (*Signer, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load signing key pair: %w", err)
	}
	return NewSigner(cert)
}

// Certificate returns the parsed leaf certificate.
func (s *Signer) Certificate() *x509.Certificate {
	return s.cert
}

// SubjectDN returns the certificate subject as a distinguished-name string.
func (s *Signer) SubjectDN() string {
	return s.cert.Subject.String()
}

// ModulusBase64 returns the signing key's public modulus as base64 of its
// big-endian bytes, the encoding ds:RSAKeyValue expects.
func (s *Signer) ModulusBase64() string {
	return base64.StdEncoding.EncodeToString(s.key.N.Bytes())
}

// SignEnveloped returns a signed copy of el carrying an enveloped RSA-SHA1
// signature over the exclusive canonical form. The signature arrives as the
// last child; callers that need schema placement (SAML wants it after
// Issuer) reposition it themselves.
func (s *Signer) SignEnveloped(el *etree.Element) (*etree.Element, error) {
	ctx := dsig.NewDefaultSigningContext(s.keyStore)
	ctx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	if err := ctx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, fmt.Errorf("set signature method: %w", err)
	}
	signed, err := ctx.SignEnveloped(el)
	if err != nil {
		return nil, fmt.Errorf("sign enveloped: %w", err)
	}
	// The library appends the signature without wiring parent links, which
	// breaks later repositioning and index-based validation. A round trip
	// through the serializer rebuilds the tree consistently.
	return reparse(signed)
}

// reparse serializes el and parses it back, yielding a tree whose parent
// and index bookkeeping is consistent throughout.
func reparse(el *etree.Element) (*etree.Element, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize element: %w", err)
	}
	out := etree.NewDocument()
	if err := out.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("reparse element: %w", err)
	}
	return out.Root(), nil
}

// Reference names one already-attached element covered by a detached
// signature. The element must carry the wsu:Id the URI points at and must
// declare the namespaces it uses, so its canonical form is self-contained.
type Reference struct {
	URI     string
	Element *etree.Element
}

// SignDetached builds a detached ds:Signature over the referenced elements.
// Each reference is digested in exclusive canonical form, the SignedInfo is
// canonicalised and signed with RSA-SHA1, and keyInfo (typically a
// wsse:SecurityTokenReference) is attached under ds:KeyInfo. The returned
// element is not yet part of any document.
func (s *Signer) SignDetached(refs []Reference, keyInfo *etree.Element) (*etree.Element, error) {
	canon := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	sig := etree.NewElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", DsNS)

	signedInfo := sig.CreateElement("ds:SignedInfo")
	// Declared here as well so SignedInfo canonicalises identically on its
	// own and inside the final document.
	signedInfo.CreateAttr("xmlns:ds", DsNS)
	signedInfo.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", ExcC14NAlg)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", RSASHA1Alg)

	for _, ref := range refs {
		data, err := canon.Canonicalize(ref.Element)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", ref.URI, err)
		}
		sum := sha1.Sum(data)

		r := signedInfo.CreateElement("ds:Reference")
		r.CreateAttr("URI", ref.URI)
		r.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", ExcC14NAlg)
		r.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", SHA1Alg)
		r.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(sum[:]))
	}

	siBytes, err := canon.Canonicalize(signedInfo)
	if err != nil {
		return nil, fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	siSum := sha1.Sum(siBytes)
	sigVal, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA1, siSum[:])
	if err != nil {
		return nil, fmt.Errorf("sign SignedInfo: %w", err)
	}
	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(sigVal))

	ki := sig.CreateElement("ds:KeyInfo")
	if keyInfo != nil {
		ki.AddChild(keyInfo)
	}
	return sig, nil
}

// VerifyEnveloped validates an enveloped signature against the given trust
// roots and returns the validated element.
func VerifyEnveloped(el *etree.Element, roots []*x509.Certificate) (*etree.Element, error) {
	// Validation removes the enveloped signature by child index, so it needs
	// a freshly parsed tree rather than one assembled in memory.
	fresh, err := reparse(el)
	if err != nil {
		return nil, err
	}
	vctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{Roots: roots})
	validated, err := vctx.Validate(fresh)
	if err != nil {
		return nil, fmt.Errorf("validate enveloped signature: %w", err)
	}
	return validated, nil
}

// VerifyDetached checks a detached ds:Signature: every reference digest is
// recomputed from the element resolve returns for its URI, and the
// SignedInfo signature is checked against pub.
func VerifyDetached(sig *etree.Element, resolve func(uri string) *etree.Element, pub *rsa.PublicKey) error {
	canon := dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")

	signedInfo := sig.FindElement("./SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("signature has no SignedInfo")
	}

	for _, ref := range signedInfo.FindElements("./Reference") {
		uri := ref.SelectAttrValue("URI", "")
		target := resolve(uri)
		if target == nil {
			return fmt.Errorf("reference %s: no such element", uri)
		}
		data, err := canon.Canonicalize(target)
		if err != nil {
			return fmt.Errorf("reference %s: canonicalize: %w", uri, err)
		}
		sum := sha1.Sum(data)
		want := ref.FindElement("./DigestValue")
		if want == nil {
			return fmt.Errorf("reference %s: no digest", uri)
		}
		if got := base64.StdEncoding.EncodeToString(sum[:]); got != want.Text() {
			return fmt.Errorf("reference %s: digest mismatch", uri)
		}
	}

	siBytes, err := canon.Canonicalize(signedInfo)
	if err != nil {
		return fmt.Errorf("canonicalize SignedInfo: %w", err)
	}
	siSum := sha1.Sum(siBytes)

	sigValEl := sig.FindElement("./SignatureValue")
	if sigValEl == nil {
		return fmt.Errorf("signature has no SignatureValue")
	}
	sigVal, err := base64.StdEncoding.DecodeString(sigValEl.Text())
	if err != nil {
		return fmt.Errorf("decode SignatureValue: %w", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, siSum[:], sigVal); err != nil {
		return fmt.Errorf("verify SignedInfo signature: %w", err)
	}
	return nil
}
