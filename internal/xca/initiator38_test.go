package xca

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
	"github.com/Abstractive-Health/abstractivehealth-hie/internal/xcpd"
)

func TestBuildQueryRequest(t *testing.T) {
	root := BuildQueryRequest("9.8.7", []xcpd.PatientID{
		{Root: "9.8.7", Extension: "pat-1"},
		{Root: "9.8.7.1", Extension: "pat-2"},
	})

	opt := root.FindElement("./query:ResponseOption")
	require.NotNil(t, opt)
	assert.Equal(t, "true", opt.SelectAttrValue("returnComposedObjects", ""))
	assert.Equal(t, "LeafClass", opt.SelectAttrValue("returnType", ""))

	adhoc := root.FindElement("./rim:AdhocQuery")
	require.NotNil(t, adhoc)
	assert.Equal(t, "urn:oid:9.8.7", adhoc.SelectAttrValue("home", ""))
	assert.Contains(t, adhoc.SelectAttrValue("id", ""), "urn:uuid:")

	pidValues := adhoc.FindElements("./rim:Slot[@name='$XDSDocumentEntryPatientId']/rim:ValueList/rim:Value")
	require.Len(t, pidValues, 2)
	assert.Equal(t, "'pat-1^^^&9.8.7&ISO'", pidValues[0].Text())
	assert.Equal(t, "'pat-2^^^&9.8.7.1&ISO'", pidValues[1].Text())

	status := adhoc.FindElement("./rim:Slot[@name='$XDSDocumentEntryStatus']/rim:ValueList/rim:Value")
	require.NotNil(t, status)
	assert.Equal(t, "('urn:oasis:names:tc:ebxml-regrep:StatusType:Approved')", status.Text())
}

func TestRepositoryFromPatientID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pat-1^^^&9.8.7&ISO", "9.8.7"},
		{"pat-1^^^&9.8.7", "9.8.7"},
		{"pat-1", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, repositoryFromPatientID(tt.in))
	}
}

func TestTemplateForDocType(t *testing.T) {
	tests := []struct {
		loinc string
		want  string
	}{
		{"11488-4", "ConsultationNote.hbs"},
		{"18776-5", "DischargeSummary.hbs"},
		{"34133-9", "ccd.hbs"},
		{"", "ccd.hbs"},
		{"99999-9", "ccd.hbs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TemplateForDocType(tt.loinc))
	}
}

func TestParseQueryResponseSkipsIncompleteEntries(t *testing.T) {
	raw := []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>
<query:AdhocQueryResponse xmlns:query="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
  <rim:RegistryObjectList>
    <rim:ExtrinsicObject id="urn:uuid:a" home="urn:oid:5.5.5">
      <rim:Slot name="repositoryUniqueId"><rim:ValueList><rim:Value>5.5.5</rim:Value></rim:ValueList></rim:Slot>
      <rim:Classification nodeRepresentation="34133-9">
        <rim:Slot name="codingScheme"><rim:ValueList><rim:Value>2.16.840.1.113883.6.1</rim:Value></rim:ValueList></rim:Slot>
      </rim:Classification>
      <rim:ExternalIdentifier identificationScheme="urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427" value="pat-1^^^&amp;5.5.5&amp;ISO"/>
      <rim:ExternalIdentifier identificationScheme="urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab" value="doc-1"/>
    </rim:ExtrinsicObject>
    <rim:ExtrinsicObject id="urn:uuid:b">
      <rim:ExternalIdentifier identificationScheme="urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427" value="pat-1^^^&amp;5.5.5&amp;ISO"/>
    </rim:ExtrinsicObject>
  </rim:RegistryObjectList>
</query:AdhocQueryResponse>
</s:Body></s:Envelope>`)

	refs := ParseQueryResponse(raw, "9.8.7")
	require.Len(t, refs, 1)
	assert.Equal(t, "pat-1", refs[0].PID)
	assert.Equal(t, "doc-1", refs[0].DocID)
	assert.Equal(t, "5.5.5", refs[0].RepositoryID)
	assert.Equal(t, "34133-9", refs[0].DocType)
	assert.Equal(t, "5.5.5", refs[0].ReplacementHCID)
}

func TestParseQueryResponseHomeFallsBackToResponder(t *testing.T) {
	raw := []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>
<query:AdhocQueryResponse xmlns:query="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
  <rim:RegistryObjectList>
    <rim:ExtrinsicObject id="urn:uuid:a">
      <rim:ExternalIdentifier identificationScheme="urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427" value="pat-1^^^&amp;5.5.5&amp;ISO"/>
      <rim:ExternalIdentifier identificationScheme="urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab" value="doc-1"/>
    </rim:ExtrinsicObject>
  </rim:RegistryObjectList>
</query:AdhocQueryResponse>
</s:Body></s:Envelope>`)

	refs := ParseQueryResponse(raw, "9.8.7")
	require.Len(t, refs, 1)
	assert.Equal(t, "9.8.7", refs[0].ReplacementHCID)
	// No repositoryUniqueId slot: fall back to the assigning authority OID.
	assert.Equal(t, "5.5.5", refs[0].RepositoryID)
	assert.Empty(t, refs[0].DocType)
}

func TestParseQueryResponseGarbage(t *testing.T) {
	assert.Nil(t, ParseQueryResponse([]byte("<html>503</html>"), "9.8.7"))
	assert.Nil(t, ParseQueryResponse(nil, "9.8.7"))
}

func TestQueryTransportFailureYieldsNoRefs(t *testing.T) {
	codec, builder := newTestCrypto(t)
	q := NewQueryInitiator(codec, builder, &fakePoster{err: context.DeadlineExceeded})

	refs, err := q.Query(context.Background(), "https://remote.example/iti38", "9.8.7",
		[]xcpd.PatientID{{Root: "9.8.7", Extension: "pat-1"}}, testUQ())
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestQueryParsesResponderReply(t *testing.T) {
	codec, builder := newTestCrypto(t)
	reply, err := soapenv.BuildReplyRaw(soapenv.ITI38.ResponseAction(), "", []byte(`
<query:AdhocQueryResponse xmlns:query="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
  <rim:RegistryObjectList>
    <rim:ExtrinsicObject id="urn:uuid:a" home="urn:oid:9.8.7">
      <rim:Slot name="repositoryUniqueId"><rim:ValueList><rim:Value>9.8.7</rim:Value></rim:ValueList></rim:Slot>
      <rim:ExternalIdentifier identificationScheme="urn:uuid:58a6f841-87b3-4a3e-92fd-a8ffeff98427" value="pat-1^^^&amp;9.8.7&amp;ISO"/>
      <rim:ExternalIdentifier identificationScheme="urn:uuid:2e82c1f6-a085-4c72-9da3-8640a32e42ab" value="doc-1"/>
    </rim:ExtrinsicObject>
  </rim:RegistryObjectList>
</query:AdhocQueryResponse>`))
	require.NoError(t, err)

	q := NewQueryInitiator(codec, builder, &fakePoster{response: reply})
	refs, err := q.Query(context.Background(), "https://remote.example/iti38", "9.8.7",
		[]xcpd.PatientID{{Root: "9.8.7", Extension: "pat-1"}}, testUQ())
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "doc-1", refs[0].DocID)
}
