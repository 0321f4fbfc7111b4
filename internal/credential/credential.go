// SPDX-License-Identifier: GPL-3.0-or-later

// Package credential implements domain.CredentialResolver (C3): it reads
// the still-encrypted credential row from the relational store and
// decrypts each field independently, treating a field that fails to
// decrypt as absent rather than failing the whole lookup, per spec §4.3.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/warmupworker/internal/cryptotoken"
	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/logstore"
)

// Rows is the subset of logstore.Store this package calls through, kept
// as an interface so it can be faked in tests without a database.
type Rows interface {
	FindCredential(ctx context.Context, addr string) (*logstore.CredentialRow, error)
	UpdateAccessToken(ctx context.Context, addr string, accessTokenCiphertext string) error
}

// Resolver implements domain.CredentialResolver.
type Resolver struct {
	rows   Rows
	cipher *cryptotoken.Cipher
	l      *logrus.Logger
}

// New builds a Resolver from a Rows-backed store and an AES key.
func New(rows Rows, cipher *cryptotoken.Cipher) *Resolver {
	return &Resolver{rows: rows, cipher: cipher, l: logging.Logger(logging.Credential)}
}

var _ domain.CredentialResolver = (*Resolver)(nil)

// GetCredentials resolves and decrypts addr's credential row. Returns
// nil, nil if no row exists — the caller must handle the absent case.
func (r *Resolver) GetCredentials(ctx context.Context, addr string) (*domain.Credentials, error) {
	row, err := r.rows.FindCredential(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	return &domain.Credentials{
		Service:       row.Service,
		SMTPPassword:  r.decryptOrAbsent(addr, "password", row.PasswordCiphertext),
		OAuthAccess:   r.decryptOrAbsent(addr, "access_token", row.AccessTokenCiphertext),
		OAuthRefresh:  r.decryptOrAbsent(addr, "refresh_token", row.RefreshTokenCiphertext),
		OAuthClientID: deref(row.OAuthClientID),
		OAuthSecret:   r.decryptOrAbsent(addr, "oauth_client_secret", row.OAuthClientSecretCiphertext),
	}, nil
}

// PersistRefreshedAccess re-encrypts token and updates the store.
// Failures are logged and swallowed: the refreshed token keeps working
// in-process until it expires again, per spec §4.3.
func (r *Resolver) PersistRefreshedAccess(ctx context.Context, addr string, token string) error {
	ciphertext, err := r.cipher.Encrypt(token)
	if err != nil {
		r.l.WithError(err).WithField("addr", addr).Warn("Could not encrypt refreshed access token")
		return nil
	}
	if err := r.rows.UpdateAccessToken(ctx, addr, ciphertext); err != nil {
		r.l.WithError(err).WithField("addr", addr).Warn("Could not persist refreshed access token")
		return nil
	}
	return nil
}

func (r *Resolver) decryptOrAbsent(addr, field string, ciphertext *string) string {
	if ciphertext == nil || *ciphertext == "" {
		return ""
	}
	plaintext, err := r.cipher.Decrypt(*ciphertext)
	if err != nil {
		if !errors.Is(err, cryptotoken.ErrInvalidCiphertext) {
			r.l.WithError(err).WithFields(logrus.Fields{"addr": addr, "field": field}).Warn("Unexpected decrypt error, treating field as absent")
		} else {
			r.l.WithFields(logrus.Fields{"addr": addr, "field": field}).Debug("Could not decrypt field, treating as absent")
		}
		return ""
	}
	return plaintext
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
