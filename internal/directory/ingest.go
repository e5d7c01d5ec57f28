package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/utils"
)

// maxInheritancePasses bounds how many times URL/organization inheritance is
// re-run over the table; deep partOf chains converge within a few passes.
const maxInheritancePasses = 5

// OrgRecord is one organization entry from the directory snapshot.
type OrgRecord struct {
	OID         string          `json:"oid"`
	Name        string          `json:"name"`
	Resource    json.RawMessage `json:"resource"`
	ITI55       string          `json:"iti55_responder"`
	ITI38       string          `json:"iti38_responder"`
	ITI39       string          `json:"iti39_responder"`
	Address     string          `json:"address"`
	Longitude   string          `json:"longitude"`
	Latitude    string          `json:"latitude"`
	Zipcode     string          `json:"zipcode"`
	CountryCode string          `json:"country_code"`
}

// Ingestor rebuilds the directory table from an S3 snapshot.
type Ingestor struct {
	DB     *sql.DB
	Table  string
	S3     s3iface.S3API
	Bucket string
	Key    string
}

// NewIngestor wires a directory ingestor.
func NewIngestor(db *sql.DB, table string, s3Client s3iface.S3API, bucket, key string) *Ingestor {
	return &Ingestor{DB: db, Table: table, S3: s3Client, Bucket: bucket, Key: key}
}

// Ingest replaces the directory table with the snapshot contents: a full
// delete, one insert pass, up to four inheritance passes over what landed,
// and a final cleanup of entries that never became routable.
func (ing *Ingestor) Ingest(ctx context.Context) error {
	records, err := ing.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	if _, err := ing.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", ing.Table)); err != nil {
		return fmt.Errorf("directory ingest: clear table: %w", err)
	}

	inherited := 0
	for _, rec := range records {
		n, err := ing.insertRecord(ctx, rec)
		if err != nil {
			return err
		}
		inherited += n
	}
	logger.Infof("directory ingest: pass 0 inserted %d records, %d inherited urls", len(records), inherited)

	for pass := 1; pass < maxInheritancePasses && inherited > 0; pass++ {
		inherited = 0
		oids, err := ing.allOIDs(ctx)
		if err != nil {
			return err
		}
		for _, oid := range oids {
			n, err := ing.reinheritRecord(ctx, oid)
			if err != nil {
				return err
			}
			inherited += n
		}
		logger.Infof("directory ingest: pass %d, %d inherited urls", pass, inherited)
	}

	return ing.cleanup(ctx)
}

func (ing *Ingestor) fetchSnapshot(ctx context.Context) ([]OrgRecord, error) {
	obj, err := ing.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ing.Bucket),
		Key:    aws.String(ing.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("directory ingest: fetch snapshot: %w", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("directory ingest: read snapshot: %w", err)
	}
	var records []OrgRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("directory ingest: parse snapshot: %w", err)
	}
	return records, nil
}

// row mirrors one directory table row through the inheritance passes.
type row struct {
	OID         string
	Name        string
	Resource    []byte
	ITI55       sql.NullString
	ITI38       sql.NullString
	ITI39       sql.NullString
	Address     sql.NullString
	Longitude   sql.NullString
	Latitude    sql.NullString
	Zipcode     sql.NullString
	CountryCode sql.NullString
	PartOf      sql.NullString
	ManagingOrg sql.NullString
	Status      bool
}

func (ing *Ingestor) insertRecord(ctx context.Context, rec OrgRecord) (int, error) {
	r := row{
		OID:         utils.TrimOIDPrefix(rec.OID),
		Name:        rec.Name,
		Resource:    rec.Resource,
		ITI55:       nullable(rec.ITI55),
		ITI38:       nullable(rec.ITI38),
		ITI39:       nullable(rec.ITI39),
		Address:     nullable(rec.Address),
		Longitude:   nullable(rec.Longitude),
		Latitude:    nullable(rec.Latitude),
		Zipcode:     nullable(rec.Zipcode),
		CountryCode: nullable(rec.CountryCode),
		PartOf:      nullable(partOfFromResource(rec.Resource)),
		ManagingOrg: nullable(managingOrgFromResource(rec.Resource)),
		Status:      activeFromResource(rec.Resource),
	}

	inherited, err := ing.applyInheritance(ctx, &r)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s
		(oid, name, resource, iti55_responder, iti38_responder, iti39_responder,
		 address, longitude, latitude, zipcode, country_code, part_of, managing_org, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, ing.Table)
	_, err = ing.DB.ExecContext(ctx, stmt,
		r.OID, r.Name, r.Resource, r.ITI55, r.ITI38, r.ITI39,
		r.Address, r.Longitude, r.Latitude, r.Zipcode, r.CountryCode,
		r.PartOf, r.ManagingOrg, r.Status)
	if err != nil {
		return 0, fmt.Errorf("directory ingest: insert %s: %w", r.OID, err)
	}
	return inherited, nil
}

func (ing *Ingestor) reinheritRecord(ctx context.Context, oid string) (int, error) {
	stmt := fmt.Sprintf(`SELECT oid, name, resource, iti55_responder, iti38_responder, iti39_responder,
		address, longitude, latitude, zipcode, country_code, part_of, managing_org, status
		FROM %s WHERE oid = $1`, ing.Table)
	var r row
	err := ing.DB.QueryRowContext(ctx, stmt, oid).Scan(
		&r.OID, &r.Name, &r.Resource, &r.ITI55, &r.ITI38, &r.ITI39,
		&r.Address, &r.Longitude, &r.Latitude, &r.Zipcode, &r.CountryCode,
		&r.PartOf, &r.ManagingOrg, &r.Status)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("directory ingest: reload %s: %w", oid, err)
	}

	inherited, err := ing.applyInheritance(ctx, &r)
	if err != nil {
		return 0, err
	}

	stmt = fmt.Sprintf(`UPDATE %s SET
		oid = $1, iti55_responder = $2, iti38_responder = $3, iti39_responder = $4, managing_org = $5
		WHERE oid = $6`, ing.Table)
	if _, err := ing.DB.ExecContext(ctx, stmt, r.OID, r.ITI55, r.ITI38, r.ITI39, r.ManagingOrg, oid); err != nil {
		return 0, fmt.Errorf("directory ingest: update %s: %w", oid, err)
	}
	return inherited, nil
}

// applyInheritance fills managing_org and, when any service URL is missing,
// all three URLs plus the routing OID from the parent entry. Children routed
// through a parent gateway must present the parent's OID on the wire.
func (ing *Ingestor) applyInheritance(ctx context.Context, r *row) (int, error) {
	if !r.PartOf.Valid || r.PartOf.String == "" {
		return 0, nil
	}
	parent := r.PartOf.String

	stmt := fmt.Sprintf("SELECT managing_org FROM %s WHERE oid = $1 OR oid = $2", ing.Table)
	var managingOrg sql.NullString
	err := ing.DB.QueryRowContext(ctx, stmt, parent, "urn:oid:"+parent).Scan(&managingOrg)
	if err == nil && managingOrg.Valid {
		r.ManagingOrg = managingOrg
	} else if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("directory ingest: parent %s: %w", parent, err)
	}

	if r.ITI55.Valid && r.ITI55.String != "" &&
		r.ITI38.Valid && r.ITI38.String != "" &&
		r.ITI39.Valid && r.ITI39.String != "" {
		return 0, nil
	}

	stmt = fmt.Sprintf(
		"SELECT iti55_responder, iti38_responder, iti39_responder FROM %s WHERE oid = $1 OR oid = $2",
		ing.Table)
	var iti55, iti38, iti39 sql.NullString
	err = ing.DB.QueryRowContext(ctx, stmt, parent, "urn:oid:"+parent).Scan(&iti55, &iti38, &iti39)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("directory ingest: parent urls %s: %w", parent, err)
	}
	if !iti55.Valid || !iti38.Valid || !iti39.Valid {
		return 0, nil
	}

	r.ITI55, r.ITI38, r.ITI39 = iti55, iti38, iti39
	r.OID = parent
	return 1, nil
}

func (ing *Ingestor) allOIDs(ctx context.Context) ([]string, error) {
	rows, err := ing.DB.QueryContext(ctx, fmt.Sprintf("SELECT oid FROM %s", ing.Table))
	if err != nil {
		return nil, fmt.Errorf("directory ingest: list oids: %w", err)
	}
	defer rows.Close()
	var oids []string
	for rows.Next() {
		var oid string
		if err := rows.Scan(&oid); err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
	return oids, rows.Err()
}

// cleanup deletes entries that still lack any service URL or geographic
// position; they can never be selected by a proximity search.
func (ing *Ingestor) cleanup(ctx context.Context) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE
		iti55_responder IS NULL OR iti38_responder IS NULL OR iti39_responder IS NULL
		OR longitude IS NULL OR latitude IS NULL OR zipcode IS NULL`, ing.Table)
	res, err := ing.DB.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("directory ingest: cleanup: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		logger.Infof("directory ingest: cleaned up %d unroutable entries", n)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func partOfFromResource(resource []byte) string {
	v := resourcePath(resource, "Organization", "partOf", "identifier", "value", "value")
	s, _ := v.(string)
	return utils.TrimOIDPrefix(s)
}

func managingOrgFromResource(resource []byte) string {
	v := resourcePath(resource, "Organization", "managingOrg", "reference", "value")
	s, _ := v.(string)
	if s == "" {
		return ""
	}
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func activeFromResource(resource []byte) bool {
	switch v := resourcePath(resource, "Organization", "active", "value").(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

func resourcePath(resource []byte, path ...string) interface{} {
	var v interface{}
	if err := json.Unmarshal(resource, &v); err != nil {
		return nil
	}
	for _, key := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v, ok = m[key]
		if !ok {
			return nil
		}
	}
	return v
}
