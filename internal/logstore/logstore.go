// SPDX-License-Identifier: GPL-3.0-or-later

// Package logstore is the relational store backing WarmupEmailLogs,
// WarmupEmailServiceEmailCredential, and Issue. Structured the same way
// as the teacher's persistence.Persistence: one struct wrapping a single
// sqlx.DB handle and a named logger, dial-and-migrate constructor,
// explicit Close. The teacher's sqlite3 driver and go-bindata migrations
// are replaced with jackc/pgx's stdlib driver and an embed.FS migration
// source, since this store is a networked database reached by URL, not a
// local file.
package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/logstore"

// Store implements domain.LogSink and domain.IssueSink, and provides the
// credential row lookups internal/credential resolves against.
type Store struct {
	db *sqlx.DB
	l  *logrus.Logger
}

// New connects to databaseURL (a postgres:// DSN) and applies any
// pending migrations. When tlsBundlePath is non-empty it is set as the
// DSN's sslrootcert query parameter, per spec §6's "DB URL (+ TLS
// bundle path)" config surface.
func New(databaseURL, tlsBundlePath string) (*Store, error) {
	dsn, err := withTLSBundle(databaseURL, tlsBundlePath)
	if err != nil {
		return nil, fmt.Errorf("logstore: building dsn: %w", err)
	}

	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("logstore: could not open db: %w", err)
	}

	l := logging.Logger(logging.Store)
	l.Info("Connected")

	migrationSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations",
	}

	applied, err := migrate.Exec(db.DB, "postgres", migrationSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("logstore: could not migrate to newest version: %w", err)
	}
	l.WithField("migrations", applied).Debug("Executed migrations")

	return &Store{db: db, l: l}, nil
}

// withTLSBundle sets sslrootcert on databaseURL to tlsBundlePath, the
// pgx stdlib driver's own DSN query parameter for a CA bundle path.
func withTLSBundle(databaseURL, tlsBundlePath string) (string, error) {
	if tlsBundlePath == "" {
		return databaseURL, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database url: %w", err)
	}
	q := u.Query()
	q.Set("sslrootcert", tlsBundlePath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("logstore: could not close db: %w", err)
	}
	s.l.Info("Disconnected")
	return nil
}

var (
	_ domain.LogSink   = (*Store)(nil)
	_ domain.IssueSink = (*Store)(nil)
)

// RecordReplied inserts a REPLIED row for a successful reply. The batch
// processor calls it right before deleting that reply's queue envelope.
func (s *Store) RecordReplied(ctx context.Context, warmupID, recipientEmail string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "logstore.RecordReplied")
	defer span.End()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO warmup_email_logs (warmup_id, recipient_email, status) VALUES ($1, $2, 'REPLIED')`,
		warmupID, recipientEmail,
	)
	if err != nil {
		return fmt.Errorf("logstore: recording replied: %w", err)
	}
	return nil
}

// ReportIssue inserts a critical-error row, per spec §7's uncaught
// exception policy.
func (s *Store) ReportIssue(ctx context.Context, issue domain.Issue) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "logstore.ReportIssue")
	defer span.End()

	cause, err := json.Marshal(issue.ProbableCause)
	if err != nil {
		return fmt.Errorf("logstore: marshaling probable cause: %w", err)
	}
	issueContext, err := json.Marshal(issue.Context)
	if err != nil {
		return fmt.Errorf("logstore: marshaling context: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO issue (title, description, service, priority, probable_cause, context)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		issue.Title, issue.Description, issue.Service, issue.Priority, string(cause), string(issueContext),
	)
	if err != nil {
		return fmt.Errorf("logstore: reporting issue: %w", err)
	}
	s.l.WithFields(logrus.Fields{"title": issue.Title, "priority": issue.Priority}).Error("Issue reported")
	return nil
}

// CredentialRow mirrors warmup_email_service_email_credential, ciphertext
// columns intact; internal/credential decrypts them.
type CredentialRow struct {
	EmailID                     string  `db:"email_id"`
	Service                     string  `db:"service"`
	PasswordCiphertext          *string `db:"password_ciphertext"`
	AccessTokenCiphertext       *string `db:"access_token_ciphertext"`
	RefreshTokenCiphertext      *string `db:"refresh_token_ciphertext"`
	OAuthClientID               *string `db:"oauth_client_id"`
	OAuthClientSecretCiphertext *string `db:"oauth_client_secret_ciphertext"`
}

// FindCredential looks up the raw (still-encrypted) credential row for
// addr. Returns nil, nil if no row exists.
func (s *Store) FindCredential(ctx context.Context, addr string) (*CredentialRow, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "logstore.FindCredential")
	defer span.End()

	row := CredentialRow{}
	err := s.db.GetContext(
		ctx,
		&row,
		`SELECT email_id, service, password_ciphertext, access_token_ciphertext,
		        refresh_token_ciphertext, oauth_client_id, oauth_client_secret_ciphertext
		 FROM warmup_email_service_email_credential WHERE email_id = $1`,
		addr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("logstore: finding credential: %w", err)
	}
	return &row, nil
}

// UpdateAccessToken re-persists a refreshed, already-encrypted access
// token ciphertext for addr.
func (s *Store) UpdateAccessToken(ctx context.Context, addr string, accessTokenCiphertext string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "logstore.UpdateAccessToken")
	defer span.End()

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE warmup_email_service_email_credential SET access_token_ciphertext = $1 WHERE email_id = $2`,
		accessTokenCiphertext, addr,
	)
	if err != nil {
		return fmt.Errorf("logstore: updating access token: %w", err)
	}
	return nil
}
