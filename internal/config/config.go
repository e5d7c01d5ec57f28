// Package config assembles the gateway's runtime configuration from the
// environment and AWS Secrets Manager, and materialises the TLS credentials
// as files for anything that needs paths rather than bytes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"

	"github.com/Abstractive-Health/abstractivehealth-hie/pkg/logger"
)

// Config is everything the gateway needs at startup.
type Config struct {
	Env string

	// HCID is this gateway's home community OID.
	HCID string
	// LocalURL is the URL this gateway advertises for itself.
	LocalURL string
	// PossibleURLs are every URL inbound requests may legitimately be
	// addressed to.
	PossibleURLs []string

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	DirectoryTable string
	NotesTable     string
	PatientTable   string
	DocumentTables []string

	SnapshotBucket string
	SnapshotKey    string

	// Default requesting-user identity for outbound assertions.
	UQSubject      string
	UQOrganization string
	UQNPI          string
	UQUserID       string

	// PEM material from the secret, also written to CertFile/KeyFile/
	// TrustFile.
	CertPEM  []byte
	KeyPEM   []byte
	TrustPEM []byte

	CertFile  string
	KeyFile   string
	TrustFile string
}

// secret is the JSON shape stored in Secrets Manager.
type secret struct {
	DBUsername    string `json:"db_username"`
	DBPassword    string `json:"db_password"`
	CQCert        string `json:"cq_cert"`
	CQPrivateKey  string `json:"cq_private_key"`
	TrustedBundle string `json:"trusted_bundle"`
}

// Load reads the environment and, when HIE_SECRET_ID is set, merges in the
// Secrets Manager secret.
func Load(sm secretsmanageriface.SecretsManagerAPI) (*Config, error) {
	cfg := &Config{
		Env:            os.Getenv("ENV"),
		HCID:           os.Getenv("HIE_HCID"),
		LocalURL:       os.Getenv("HIE_LOCAL_URL"),
		PossibleURLs:   splitList(os.Getenv("HIE_POSSIBLE_URLS")),
		DBHost:         os.Getenv("HIE_DB_HOST"),
		DBName:         os.Getenv("HIE_DB_NAME"),
		DirectoryTable: os.Getenv("HIE_DIRECTORY_TABLE"),
		NotesTable:     os.Getenv("HIE_NOTES_TABLE"),
		PatientTable:   os.Getenv("HIE_PATIENT_TABLE"),
		DocumentTables: splitList(os.Getenv("HIE_DOCUMENT_TABLES")),
		SnapshotBucket: os.Getenv("HIE_SNAPSHOT_BUCKET"),
		SnapshotKey:    os.Getenv("HIE_SNAPSHOT_KEY"),
		UQSubject:      os.Getenv("HIE_UQ_SUBJECT"),
		UQOrganization: os.Getenv("HIE_UQ_ORGANIZATION"),
		UQNPI:          os.Getenv("HIE_UQ_NPI"),
		UQUserID:       os.Getenv("HIE_UQ_USER_ID"),
	}
	cfg.DBPort = 5432
	if port := os.Getenv("HIE_DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("config: bad HIE_DB_PORT %q: %w", port, err)
		}
		cfg.DBPort = p
	}
	if cfg.LocalURL != "" && !contains(cfg.PossibleURLs, cfg.LocalURL) {
		cfg.PossibleURLs = append(cfg.PossibleURLs, cfg.LocalURL)
	}

	if secretID := os.Getenv("HIE_SECRET_ID"); secretID != "" {
		if err := cfg.loadSecret(sm, secretID); err != nil {
			return nil, err
		}
	}

	if len(cfg.CertPEM) > 0 {
		if err := cfg.writeTLSMaterial(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadSecret(sm secretsmanageriface.SecretsManagerAPI, secretID string) error {
	out, err := sm.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return fmt.Errorf("config: get secret %s: %w", secretID, err)
	}
	var s secret
	if err := json.Unmarshal([]byte(aws.StringValue(out.SecretString)), &s); err != nil {
		return fmt.Errorf("config: parse secret: %w", err)
	}
	c.DBUser = s.DBUsername
	c.DBPassword = s.DBPassword
	c.CertPEM = []byte(s.CQCert)
	c.KeyPEM = []byte(s.CQPrivateKey)
	c.TrustPEM = []byte(s.TrustedBundle)
	return nil
}

// writeTLSMaterial lands the PEM blobs in the temp directory; Lambda only
// allows writes under /tmp.
func (c *Config) writeTLSMaterial() error {
	dir := os.TempDir()
	c.CertFile = filepath.Join(dir, "cqcert.crt")
	c.KeyFile = filepath.Join(dir, "cqkey.key")
	c.TrustFile = filepath.Join(dir, "trusted.pem")

	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{c.CertFile, c.CertPEM, 0644},
		{c.KeyFile, c.KeyPEM, 0600},
		{c.TrustFile, c.TrustPEM, 0644},
	} {
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return fmt.Errorf("config: write %s: %w", f.path, err)
		}
	}
	logger.Debugf("config: TLS material written under %s", dir)
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
