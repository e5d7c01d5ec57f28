package xca

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
)

const testGatewayURL = "https://gw.example.org/iti38"

func queryRequest(to, returnType, pidValue string) []byte {
	return []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing">
  <s:Header>
    <a:Action>urn:ihe:iti:2007:CrossGatewayQuery</a:Action>
    <a:To>` + to + `</a:To>
  </s:Header>
  <s:Body>
    <query:AdhocQueryRequest xmlns:query="urn:oasis:names:tc:ebxml-regrep:xsd:query:3.0" xmlns:rim="urn:oasis:names:tc:ebxml-regrep:xsd:rim:3.0">
      <query:ResponseOption returnComposedObjects="true" returnType="` + returnType + `"/>
      <rim:AdhocQuery id="urn:uuid:1" home="urn:oid:1.2.3">
        <rim:Slot name="$XDSDocumentEntryPatientId">
          <rim:ValueList><rim:Value>` + pidValue + `</rim:Value></rim:ValueList>
        </rim:Slot>
        <rim:Slot name="$XDSDocumentEntryStatus">
          <rim:ValueList><rim:Value>('urn:oasis:names:tc:ebxml-regrep:StatusType:Approved')</rim:Value></rim:ValueList>
        </rim:Slot>
      </rim:AdhocQuery>
    </query:AdhocQueryRequest>
  </s:Body>
</s:Envelope>`)
}

func newTestQueryResponder(t *testing.T) (*QueryResponder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewQueryResponder(db, "1.2.3", []string{testGatewayURL}, []string{"notes"})
	return r, mock
}

func expectContainmentQueries(mock sqlmock.Sqlmock, table, pid string, rows *sqlmock.Rows) {
	mock.ExpectQuery(fmt.Sprintf("SELECT id, resource FROM %s WHERE resource->'patient' @> $1", table)).
		WithArgs(fmt.Sprintf(`{"id":%q}`, pid)).WillReturnRows(rows)
	mock.ExpectQuery(fmt.Sprintf("SELECT id, resource FROM %s WHERE resource->'subject' @> $1", table)).
		WithArgs(fmt.Sprintf(`{"id":%q}`, pid)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource"}))
	mock.ExpectQuery(fmt.Sprintf("SELECT id, resource FROM %s WHERE resource @> $1", table)).
		WithArgs(fmt.Sprintf(`{"patientFhirId":%q}`, pid)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource"}))
}

func TestQueryResponderRejectsWrongAddress(t *testing.T) {
	r, _ := newTestQueryResponder(t)
	_, err := r.Handle(context.Background(), queryRequest("https://other.example/iti38", "LeafClass", "'pat-1^^^&amp;8.7.6&amp;ISO'"))
	assert.ErrorContains(t, err, "addressed to")
	assert.ErrorIs(t, err, soapenv.ErrWrongAddressee)
}

func TestQueryResponderLeafClassRoundTrip(t *testing.T) {
	r, mock := newTestQueryResponder(t)

	resource := `{
		"type": {"coding": [{"system": "http://loinc.org", "code": "11506-3"}]},
		"content": [{"format": {"code": "urn:ihe:iti:xds:2017:mimeTypeSufficient", "system": "1.3.6.1.4.1.19376.1.2.3"}}]
	}`
	expectContainmentQueries(mock, "notes", "pat-1",
		sqlmock.NewRows([]string{"id", "resource"}).AddRow("doc-1", []byte(resource)))

	out, err := r.Handle(context.Background(), queryRequest(testGatewayURL, "LeafClass", "'pat-1^^^&amp;8.7.6&amp;ISO'"))
	require.NoError(t, err)

	// The reply must read back as one complete document reference.
	wrapped, err := soapenv.BuildReplyRaw(soapenv.ITI38.ResponseAction(), "", out)
	require.NoError(t, err)
	refs := ParseQueryResponse(wrapped, "fallback")
	require.Len(t, refs, 1)
	assert.Equal(t, "pat-1", refs[0].PID)
	assert.Equal(t, "doc-1", refs[0].DocID)
	assert.Equal(t, "1.2.3", refs[0].RepositoryID)
	assert.Equal(t, "11506-3", refs[0].DocType)
	assert.Equal(t, "1.2.3", refs[0].ReplacementHCID)

	body := string(out)
	assert.Contains(t, body, responseSuccess)
	assert.Contains(t, body, "rim:RegistryPackage")
	assert.Contains(t, body, `value="notes"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryResponderObjectRef(t *testing.T) {
	r, mock := newTestQueryResponder(t)
	expectContainmentQueries(mock, "notes", "pat-1",
		sqlmock.NewRows([]string{"id", "resource"}).AddRow("doc-1", []byte(`{}`)))

	out, err := r.Handle(context.Background(), queryRequest(testGatewayURL, "ObjectRef", "'pat-1^^^&amp;8.7.6&amp;ISO'"))
	require.NoError(t, err)

	body := string(out)
	assert.Contains(t, body, `<rim:ObjectRef id="urn:uuid:doc-1" home="urn:oid:1.2.3"/>`)
	assert.NotContains(t, body, "rim:ExtrinsicObject")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryResponderDedupesAcrossContainments(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewQueryResponder(db, "1.2.3", []string{testGatewayURL}, []string{"notes"})

	mock.ExpectQuery("SELECT id, resource FROM notes WHERE resource->'patient' @> $1").
		WithArgs(`{"id":"pat-1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource"}).AddRow("doc-1", []byte(`{}`)))
	mock.ExpectQuery("SELECT id, resource FROM notes WHERE resource->'subject' @> $1").
		WithArgs(`{"id":"pat-1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource"}).AddRow("doc-1", []byte(`{}`)))
	mock.ExpectQuery("SELECT id, resource FROM notes WHERE resource @> $1").
		WithArgs(`{"patientFhirId":"pat-1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "resource"}))

	entries, err := r.searchDocumentMetadata(context.Background(), []string{"pat-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryResponderAnswersEmptyOnStoreFailure(t *testing.T) {
	r, mock := newTestQueryResponder(t)
	mock.ExpectQuery("SELECT id, resource FROM notes WHERE resource->'patient' @> $1").
		WillReturnError(fmt.Errorf("connection refused"))

	out, err := r.Handle(context.Background(), queryRequest(testGatewayURL, "LeafClass", "'pat-1^^^&amp;8.7.6&amp;ISO'"))
	require.NoError(t, err)
	body := string(out)
	assert.Contains(t, body, responseSuccess)
	assert.NotContains(t, body, "rim:ExtrinsicObject")
}

func TestLoincFromResource(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		want     string
	}{
		{"category first", `{"category":[{"coding":[{"system":"http://loinc.org","code":"34117-2"}]}],"type":{"coding":[{"system":"http://loinc.org","code":"11506-3"}]}}`, "34117-2"},
		{"type fallback", `{"type":{"coding":[{"system":"http://snomed.info/sct","code":"x"},{"system":"http://loinc.org","code":"11506-3"}]}}`, "11506-3"},
		{"nothing coded", `{"status":"current"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource := decodeResource(t, tt.resource)
			assert.Equal(t, tt.want, loincFromResource(resource))
		})
	}
}

func decodeResource(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	resource := make(map[string]interface{})
	require.NoError(t, json.Unmarshal([]byte(raw), &resource))
	return resource
}
