package fhirstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveDocuments(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := NewNotesSink(db, "notes")

	mock.ExpectExec("INSERT INTO notes (pid, pipeline, fhir_id, doc_type, document) VALUES ($1, $2, $3, $4, $5)").
		WithArgs("pat-1", "Hoboken HIE", "fhir-9", "11506-3", "<ClinicalDocument>one</ClinicalDocument>").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO notes (pid, pipeline, fhir_id, doc_type, document) VALUES ($1, $2, $3, $4, $5)").
		WithArgs("pat-1", "Hoboken HIE", "fhir-9", "11506-3", "<ClinicalDocument>two</ClinicalDocument>").
		WillReturnResult(sqlmock.NewResult(2, 1))

	docs := map[string][]string{
		"converted_fhir": {},
		"11506-3": {
			"<ClinicalDocument>one</ClinicalDocument>",
			"<ClinicalDocument>two</ClinicalDocument>",
		},
	}
	require.NoError(t, sink.SaveDocuments(context.Background(), "pat-1", "Hoboken HIE", "fhir-9", docs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDocumentsSkipsReservedBucket(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sink := NewNotesSink(db, "notes")
	docs := map[string][]string{"converted_fhir": {"should not land"}}
	require.NoError(t, sink.SaveDocuments(context.Background(), "pat-1", "gw", "fhir-9", docs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveDocumentsPropagatesInsertError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("INSERT INTO notes").WillReturnError(assert.AnError)

	sink := NewNotesSink(db, "notes")
	docs := map[string][]string{"11506-3": {"doc"}}
	assert.ErrorContains(t, sink.SaveDocuments(context.Background(), "pat-1", "gw", "fhir-9", docs),
		"insert note")
}
