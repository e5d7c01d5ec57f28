package directory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abstractive-Health/abstractivehealth-hie/internal/search"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Resolver{DB: db, Table: "directory"}, mock
}

func TestEndpointsNearRejectsNonUS(t *testing.T) {
	r, _ := newTestResolver(t)
	endpoints, err := r.EndpointsNear(context.Background(), []string{"12207"}, "NY", "CA", 100, nil)
	require.NoError(t, err)
	assert.Nil(t, endpoints)
}

func TestEndpointsNearRejectsUnknownRadius(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.EndpointsNear(context.Background(), []string{"12207"}, "NY", "US", 50, nil)
	assert.ErrorContains(t, err, "no neighbor column for radius 50")
}

func TestEndpointsNear(t *testing.T) {
	r, mock := newTestResolver(t)

	// ZIP+4 suffix and leading zeroes are shed before the neighbor lookup;
	// neighbor values are re-padded on the way out.
	mock.ExpectQuery("SELECT neighboring_zipcodes_10mi FROM zipcode_neighbors WHERE zipcode = ANY($1)").
		WillReturnRows(sqlmock.NewRows([]string{"neighboring_zipcodes_10mi"}).
			AddRow([]byte(`{7030,7031,501}`)))

	mock.ExpectQuery("SELECT oid, name, iti55_responder, iti38_responder, iti39_responder FROM directory WHERE zipcode = ANY($1) AND status").
		WillReturnRows(sqlmock.NewRows([]string{"oid", "name", "iti55_responder", "iti38_responder", "iti39_responder"}).
			AddRow("urn:oid:1.2.3", "Hoboken HIE", "https://a/55", "https://a/38", "https://a/39").
			AddRow("4.5.6", "No Retrieve HIE", "https://b/55", "https://b/38", nil).
			AddRow("7.8.9", "Excluded HIE", "https://c/55", "https://c/38", "https://c/39").
			AddRow("1.2.3", "Hoboken HIE Again", "https://a/55", "https://a/38", "https://a/39"))

	endpoints, err := r.EndpointsNear(context.Background(), []string{"07030-1234"}, "NJ", "US", 10, []string{"Excluded HIE"})
	require.NoError(t, err)

	require.Len(t, endpoints, 1)
	assert.Equal(t, "1.2.3", endpoints[0].OID)
	assert.Equal(t, "Hoboken HIE", endpoints[0].Name)
	assert.Equal(t, "https://a/55", endpoints[0].ITI55)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndpointsNearNoNeighbors(t *testing.T) {
	r, mock := newTestResolver(t)
	mock.ExpectQuery("SELECT neighboring_zipcodes_100mi FROM zipcode_neighbors WHERE zipcode = ANY($1)").
		WillReturnRows(sqlmock.NewRows([]string{"neighboring_zipcodes_100mi"}))

	endpoints, err := r.EndpointsNear(context.Background(), []string{"12207"}, "NY", "US", 100, nil)
	require.NoError(t, err)
	assert.Nil(t, endpoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidEndpoint(t *testing.T) {
	tests := []struct {
		name string
		ep   search.Endpoint
		want bool
	}{
		{"all urls", search.Endpoint{ITI55: "https://a/55", ITI38: "https://a/38", ITI39: "https://a/39"}, true},
		{"plain http", search.Endpoint{ITI55: "http://a/55", ITI38: "http://a/38", ITI39: "http://a/39"}, true},
		{"missing retrieve", search.Endpoint{ITI55: "https://a/55", ITI38: "https://a/38"}, false},
		{"garbage scheme", search.Endpoint{ITI55: "ftp://a/55", ITI38: "https://a/38", ITI39: "https://a/39"}, false},
		{"empty", search.Endpoint{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidEndpoint(tt.ep))
		})
	}
}

func TestNationalEndpointsWithoutCache(t *testing.T) {
	r := &Resolver{}
	endpoints, err := r.NationalEndpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}
