package xcpd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/soapenv"
)

func testMetadata() PatientMetadata {
	return PatientMetadata{
		GivenName:         "John",
		FamilyName:        "Doe",
		Gender:            "M",
		BirthTime:         "1980-01-01",
		PhoneNumber:       "5551234567",
		Email:             "john@example.org",
		StreetAddressLine: "1 Main St",
		City:              "Albany",
		State:             "NY",
		PostalCode:        "12207",
		Country:           "US",
	}
}

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "tel:+1-555-123-4567"},
		{"555123456", "tel:+1-555123456"},
		{"15551234567", "tel:+1-15551234567"},
		{"", "tel:+1-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatPhone(tt.in))
	}
}

func TestBuildRequestRegional(t *testing.T) {
	i := &Initiator{SenderHCID: "1.2.3", now: time.Now}
	root := i.BuildRequest(testMetadata(), "9.8.7", "1.2.3.4", false)

	params := root.FindElement(".//parameterList")
	require.NotNil(t, params)

	birth := params.FindElement("./livingSubjectBirthTime/value")
	require.NotNil(t, birth)
	assert.Equal(t, "19800101", birth.SelectAttrValue("value", ""))

	gender := params.FindElement("./livingSubjectAdministrativeGender/value")
	require.NotNil(t, gender)
	assert.Equal(t, "M", gender.SelectAttrValue("code", ""))

	assert.Equal(t, "John", params.FindElement("./livingSubjectName/value/given").Text())
	assert.Equal(t, "Doe", params.FindElement("./livingSubjectName/value/family").Text())

	addr := params.FindElement("./patientAddress/value")
	require.NotNil(t, addr)
	assert.Equal(t, "Albany", addr.FindElement("./city").Text())
	assert.Equal(t, "12207", addr.FindElement("./postalCode").Text())

	telecoms := params.FindElements("./patientTelecom/value")
	require.Len(t, telecoms, 2)
	assert.Equal(t, "tel:+1-555-123-4567", telecoms[0].SelectAttrValue("value", ""))
	assert.Equal(t, "HP", telecoms[0].SelectAttrValue("use", ""))
	assert.Equal(t, "mailto:john@example.org", telecoms[1].SelectAttrValue("value", ""))
	assert.Equal(t, "H", telecoms[1].SelectAttrValue("use", ""))

	queryID := root.FindElement(".//queryByParameter/queryId")
	require.NotNil(t, queryID)
	assert.Equal(t, queryIDRoot, queryID.SelectAttrValue("root", ""))

	receiverID := root.FindElement("./receiver/device/id")
	require.NotNil(t, receiverID)
	assert.Equal(t, "9.8.7", receiverID.SelectAttrValue("root", ""))
	senderOrg := root.FindElement("./sender/device/asAgent/representedOrganization/id")
	require.NotNil(t, senderOrg)
	assert.Equal(t, "1.2.3.4", senderOrg.SelectAttrValue("root", ""))
}

func TestBuildRequestNationalOmitsAddress(t *testing.T) {
	i := &Initiator{SenderHCID: "1.2.3", now: time.Now}
	root := i.BuildRequest(testMetadata(), "9.8.7", "1.2.3.4", true)

	assert.Nil(t, root.FindElement(".//patientAddress"))
	require.NotNil(t, root.FindElement(".//livingSubjectName"))
}

func found201306(events int) []byte {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", "http://www.w3.org/2003/05/soap-envelope")
	body := env.CreateElement("s:Body")
	resp := body.CreateElement("PRPA_IN201306UV02")
	resp.CreateAttr("xmlns", HL7NS)
	process := resp.CreateElement("controlActProcess")
	subject := process.CreateElement("subject")
	for n := 0; n < events; n++ {
		event := subject.CreateElement("registrationEvent")
		patient := event.CreateElement("subject1").CreateElement("patient")
		id := patient.CreateElement("id")
		id.CreateAttr("root", "9.8.7")
		id.CreateAttr("extension", fmt.Sprintf("pat-%d", n))
		person := patient.CreateElement("patientPerson")
		name := person.CreateElement("name")
		name.CreateElement("given").SetText("John")
		name.CreateElement("family").SetText("Doe")
		person.CreateElement("administrativeGenderCode").CreateAttr("code", "M")
		person.CreateElement("birthTime").CreateAttr("value", "19800101")
		addr := person.CreateElement("addr")
		addr.CreateElement("postalCode").SetText("12207")
		addr.CreateElement("city").SetText("Albany")
	}
	ack := process.CreateElement("queryAck")
	ack.CreateElement("queryResponseCode").CreateAttr("code", "OK")
	out, _ := doc.WriteToBytes()
	return out
}

func notFound201306() []byte {
	doc := etree.NewDocument()
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", "http://www.w3.org/2003/05/soap-envelope")
	resp := env.CreateElement("s:Body").CreateElement("PRPA_IN201306UV02")
	resp.CreateAttr("xmlns", HL7NS)
	ack := resp.CreateElement("controlActProcess").CreateElement("queryAck")
	ack.CreateElement("queryResponseCode").CreateAttr("code", "NF")
	out, _ := doc.WriteToBytes()
	return out
}

func TestParseResponse(t *testing.T) {
	t.Run("single match", func(t *testing.T) {
		out := ParseResponse(found201306(1))
		assert.Equal(t, Found, out.Kind)
		require.Len(t, out.IDs, 1)
		assert.Equal(t, "9.8.7", out.IDs[0].Root)
		assert.Equal(t, "pat-0", out.IDs[0].Extension)
		assert.Equal(t, "John", out.Patient.GivenName)
		assert.Equal(t, "Doe", out.Patient.FamilyName)
		assert.Equal(t, "19800101", out.Patient.BirthTime)
		assert.Equal(t, "12207", out.Patient.PostalCode)
	})

	t.Run("not found code", func(t *testing.T) {
		assert.Equal(t, NotFound, ParseResponse(notFound201306()).Kind)
	})

	t.Run("ok with no events", func(t *testing.T) {
		assert.Equal(t, NotFound, ParseResponse(found201306(0)).Kind)
	})

	t.Run("multiple matches", func(t *testing.T) {
		assert.Equal(t, Multiple, ParseResponse(found201306(2)).Kind)
	})

	t.Run("garbage", func(t *testing.T) {
		assert.Equal(t, NotFound, ParseResponse([]byte("502 Bad Gateway")).Kind)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, NotFound, ParseResponse(nil).Kind)
	})
}

func discoveryRequest(to string) []byte {
	return []byte(`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing">
  <s:Header>
    <a:Action>urn:hl7-org:v3:PRPA_IN201305UV02:CrossGatewayPatientDiscovery</a:Action>
    <a:To>` + to + `</a:To>
  </s:Header>
  <s:Body>
    <PRPA_IN201305UV02 xmlns="urn:hl7-org:v3">
      <sender typeCode="SND">
        <device classCode="DEV" determinerCode="INSTANCE">
          <id root="8.7.6"/>
        </device>
      </sender>
      <controlActProcess>
        <queryByParameter>
          <queryId root="61023518-3f6e-4ad5-a465-87082e96b66f"/>
          <parameterList>
            <livingSubjectName>
              <value><family>Doe</family><given>John</given></value>
            </livingSubjectName>
            <livingSubjectBirthTime>
              <value value="19800101"/>
            </livingSubjectBirthTime>
          </parameterList>
        </queryByParameter>
      </controlActProcess>
    </PRPA_IN201305UV02>
  </s:Body>
</s:Envelope>`)
}

func newTestResponder(t *testing.T) (*Responder, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := NewResponder(db, "1.2.3", "https://gw.example.org/iti55", []string{"https://gw.example.org/iti55"})
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r, mock
}

func TestResponderRejectsWrongAddress(t *testing.T) {
	r, _ := newTestResponder(t)
	_, err := r.Handle(context.Background(), discoveryRequest("https://other.example/iti55"))
	assert.ErrorContains(t, err, "addressed to")
	assert.ErrorIs(t, err, soapenv.ErrWrongAddressee)
}

func TestResponderSingleMatch(t *testing.T) {
	r, mock := newTestResponder(t)

	idRows := func() *sqlmock.Rows { return sqlmock.NewRows([]string{"id"}).AddRow("pat-1") }
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"given":["John"]}]`).WillReturnRows(idRows())
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"family":"Doe"}]`).WillReturnRows(idRows())
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'birthDate' @> $1").
		WithArgs(`"1980-01-01"`).WillReturnRows(idRows())
	mock.ExpectQuery("SELECT resource FROM Patient WHERE id = $1").
		WithArgs("pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"resource"}).AddRow([]byte(`{
			"name": [{"given": ["John"], "family": "Doe"}],
			"gender": "male",
			"birthDate": "1980-01-01",
			"address": [{"line": ["1 Main St"], "city": "Albany", "country": "US", "postalCode": "12207"}],
			"telecom": [{"value": "5551234567", "use": "home"}]
		}`)))

	out, err := r.Handle(context.Background(), discoveryRequest("https://gw.example.org/iti55"))
	require.NoError(t, err)

	body := string(out)
	assert.Contains(t, body, `queryResponseCode code="OK"`)
	assert.Contains(t, body, `extension="pat-1" root="1.2.3"`)
	assert.Contains(t, body, "<given>John</given>")
	assert.Contains(t, body, "<family>Doe</family>")
	assert.Contains(t, body, `administrativeGenderCode code="M"`)
	assert.Contains(t, body, `root="61023518-3f6e-4ad5-a465-87082e96b66f"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResponderAnswersNotFoundOnStoreFailure(t *testing.T) {
	r, mock := newTestResponder(t)
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WillReturnError(fmt.Errorf("connection refused"))

	out, err := r.Handle(context.Background(), discoveryRequest("https://gw.example.org/iti55"))
	require.NoError(t, err)
	assert.Contains(t, string(out), `queryResponseCode code="NF"`)
}

func TestResponderAnswersNotFoundOnNoIntersection(t *testing.T) {
	r, mock := newTestResponder(t)
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"given":["John"]}]`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pat-1"))
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"family":"Doe"}]`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pat-2"))
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'birthDate' @> $1").
		WithArgs(`"1980-01-01"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("pat-1"))

	out, err := r.Handle(context.Background(), discoveryRequest("https://gw.example.org/iti55"))
	require.NoError(t, err)
	assert.Contains(t, string(out), `queryResponseCode code="NF"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchPatientsIntersectsRequiredFields(t *testing.T) {
	r, mock := newTestResponder(t)
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"given":["Ann"]}]`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))
	mock.ExpectQuery("SELECT id FROM Patient WHERE resource->'name' @> $1").
		WithArgs(`[{"family":"Lee"}]`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b"))
	mock.ExpectQuery("SELECT resource FROM Patient WHERE id = $1").
		WithArgs("b").
		WillReturnRows(sqlmock.NewRows([]string{"resource"}).AddRow([]byte(`{"name":[{"given":["Ann"],"family":"Lee"}],"gender":"female"}`)))

	patients, err := r.SearchPatients(context.Background(), map[string]string{
		"given":  "Ann",
		"family": "Lee",
	})
	require.NoError(t, err)
	require.Len(t, patients, 1)
	facts := patients["b"]
	assert.Equal(t, "Ann", facts.Given)
	assert.Equal(t, "Lee", facts.Family)
	assert.Equal(t, "F", facts.Gender)
	assert.Equal(t, "None", facts.City)
	assert.NoError(t, mock.ExpectationsWereMet())
}
