package saml

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xmlsig"
)

func newTestSigner(t *testing.T) (*xmlsig.Signer, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "gw.example.org", Organization: []string{"Example Health"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	signer, err := xmlsig.NewSigner(tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key})
	require.NoError(t, err)
	return signer, parsed
}

func testUQ() UserQualifications {
	return UserQualifications{
		SubjectName:  "Jordan Clinician",
		Organization: "Example Health",
		NPI:          "1234567890",
		OrgHCID:      "2.16.840.1.113883.3.9999",
		UserID:       "user-42",
	}
}

func TestValidateReportsFirstMissingField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*UserQualifications)
		want   string
	}{
		{"missing subject", func(u *UserQualifications) { u.SubjectName = "" }, "subject_name"},
		{"missing organization", func(u *UserQualifications) { u.Organization = "" }, "organization"},
		{"missing npi", func(u *UserQualifications) { u.NPI = "" }, "npi"},
		{"missing org hcid", func(u *UserQualifications) { u.OrgHCID = "" }, "org_hcid"},
		{"missing user id", func(u *UserQualifications) { u.UserID = "" }, "user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uq := testUQ()
			tt.mutate(&uq)
			assert.ErrorContains(t, uq.Validate(), tt.want)
		})
	}
	assert.NoError(t, testUQ().Validate())
}

func TestBuildProducesVerifiableAssertion(t *testing.T) {
	signer, cert := newTestSigner(t)
	b := NewBuilder(signer)

	assertion, err := b.Build(testUQ())
	require.NoError(t, err)

	assert.Equal(t, "_"+assertion.RefID, assertion.Element.SelectAttrValue("ID", ""))

	_, err = xmlsig.VerifyEnveloped(assertion.Element, []*x509.Certificate{cert})
	assert.NoError(t, err)
}

func TestBuildSignaturePlacedAfterIssuer(t *testing.T) {
	signer, _ := newTestSigner(t)
	assertion, err := NewBuilder(signer).Build(testUQ())
	require.NoError(t, err)

	children := assertion.Element.ChildElements()
	require.Greater(t, len(children), 2)
	assert.Equal(t, "Issuer", children[0].Tag)
	assert.Equal(t, "Signature", children[1].Tag)
	assert.Len(t, assertion.Element.FindElements("./Signature"), 1)
	assert.NotEqual(t, "Signature", children[len(children)-1].Tag, "tail element must not be a signature copy")
}

func TestBuildAttributeOrder(t *testing.T) {
	signer, _ := newTestSigner(t)
	assertion, err := NewBuilder(signer).Build(testUQ())
	require.NoError(t, err)

	attrs := assertion.Element.FindElements("./AttributeStatement/Attribute")
	require.Len(t, attrs, 7)

	wantNames := []string{
		"urn:oasis:names:tc:xspa:1.0:subject:subject-id",
		"urn:oasis:names:tc:xspa:1.0:subject:organization",
		"urn:oasis:names:tc:xspa:2.0:subject:npi",
		"urn:oasis:names:tc:xspa:1.0:subject:organization-id",
		"urn:nhin:names:saml:homeCommunityId",
		"urn:oasis:names:tc:xspa:1.0:subject:purposeofuse",
		"urn:oasis:names:tc:xacml:2.0:subject:role",
	}
	for i, want := range wantNames {
		assert.Equal(t, want, attrs[i].SelectAttrValue("Name", ""), "attribute %d", i)
	}

	// The organization attribute carries no friendly name; its neighbours do.
	assert.Empty(t, attrs[1].SelectAttrValue("FriendlyName", ""))
	assert.Equal(t, "NPI", attrs[2].SelectAttrValue("FriendlyName", ""))
}

func TestBuildConditionsWindow(t *testing.T) {
	signer, _ := newTestSigner(t)
	b := NewBuilder(signer)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	assertion, err := b.Build(testUQ())
	require.NoError(t, err)

	cond := assertion.Element.FindElement("./Conditions")
	require.NotNil(t, cond)
	assert.Equal(t, "2026-03-01T12:00:00.000Z", cond.SelectAttrValue("NotBefore", ""))
	assert.Equal(t, "2026-03-01T13:00:00.000Z", cond.SelectAttrValue("NotOnOrAfter", ""))

	audience := assertion.Element.FindElement("./Conditions/AudienceRestriction/Audience")
	require.NotNil(t, audience)
	assert.Equal(t, Audience, audience.Text())
}

func TestBuildHolderOfKeySubject(t *testing.T) {
	signer, _ := newTestSigner(t)
	assertion, err := NewBuilder(signer).Build(testUQ())
	require.NoError(t, err)

	sc := assertion.Element.FindElement("./Subject/SubjectConfirmation")
	require.NotNil(t, sc)
	assert.Equal(t, holderOfKey, sc.SelectAttrValue("Method", ""))

	modulus := sc.FindElement("./SubjectConfirmationData/KeyInfo/KeyValue/RSAKeyValue/Modulus")
	require.NotNil(t, modulus)
	assert.Equal(t, signer.ModulusBase64(), modulus.Text())

	exponent := sc.FindElement("./SubjectConfirmationData/KeyInfo/KeyValue/RSAKeyValue/Exponent")
	require.NotNil(t, exponent)
	assert.Equal(t, "AQAB", exponent.Text())
}
