// Package fhirstore owns the gateway's PostgreSQL connection and the sink
// that lands retrieved documents in the notes table.
package fhirstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// Connect opens the FHIR store with lib/pq and verifies the connection.
func Connect(ctx context.Context, host string, port int, dbName, user, password string) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=require",
		host, port, dbName, user, password)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("fhirstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("fhirstore: ping: %w", err)
	}
	return db, nil
}

// NotesSink writes retrieved documents into the notes table, one row per
// document.
type NotesSink struct {
	DB    *sql.DB
	Table string
}

// NewNotesSink wires a sink over the given notes table.
func NewNotesSink(db *sql.DB, table string) *NotesSink {
	return &NotesSink{DB: db, Table: table}
}

// SaveDocuments lands every retrieved document for one pipeline under the
// shared patient id. The converted_fhir bucket is reserved for the document
// transform and is skipped here.
func (s *NotesSink) SaveDocuments(ctx context.Context, patientID, pipelineName, fhirID string, docs map[string][]string) error {
	stmt := fmt.Sprintf(
		"INSERT INTO %s (pid, pipeline, fhir_id, doc_type, document) VALUES ($1, $2, $3, $4, $5)",
		s.Table)
	total := 0
	for docType, contents := range docs {
		if docType == "converted_fhir" {
			continue
		}
		for _, content := range contents {
			if _, err := s.DB.ExecContext(ctx, stmt, patientID, pipelineName, fhirID, docType, content); err != nil {
				return fmt.Errorf("fhirstore: insert note: %w", err)
			}
			total++
		}
	}
	logger.Infof("fhirstore: saved %d documents for pipeline %s", total, pipelineName)
	return nil
}
