// SPDX-License-Identifier: GPL-3.0-or-later
package rescue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
)

func init() {
	logging.Init("debug")
}

type fakeResolver struct {
	creds *domain.Credentials
	err   error
}

func (f *fakeResolver) GetCredentials(ctx context.Context, addr string) (*domain.Credentials, error) {
	return f.creds, f.err
}

func (f *fakeResolver) PersistRefreshedAccess(ctx context.Context, addr, token string) error {
	return nil
}

func TestClassify_MatchesAuthMarkers(t *testing.T) {
	cases := []struct {
		err     error
		outcome domain.DispatchOutcome
	}{
		{errors.New("535 Authentication failed"), domain.OutcomeAuthFailure},
		{errors.New("invalid credentials supplied"), domain.OutcomeAuthFailure},
		{errors.New("connection reset by peer"), domain.OutcomeTransientFailure},
		{nil, domain.OutcomeSuccess},
	}
	for _, c := range cases {
		assert.Equal(t, c.outcome, classify(c.err))
	}
}

func TestRescue_NoCredentialsIsAuthFailure(t *testing.T) {
	r := New(&fakeResolver{creds: nil}, "https://example.com/oauth/callback")

	outcome, err := r.Rescue(context.Background(), "TAG42", "a@x.com")
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeAuthFailure, outcome)
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestRescue_CredentialLookupFailureIsTransient(t *testing.T) {
	r := New(&fakeResolver{err: errors.New("store unavailable")}, "https://example.com/oauth/callback")

	outcome, err := r.Rescue(context.Background(), "TAG42", "a@x.com")
	require.Error(t, err)
	assert.Equal(t, domain.OutcomeTransientFailure, outcome)
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestImapEndpointFor_KnownProviders(t *testing.T) {
	host, spam, inbox := imapEndpointFor("gmail")
	assert.Equal(t, "imap.gmail.com", host)
	assert.Equal(t, "[Gmail]/Spam", spam)
	assert.Equal(t, "INBOX", inbox)

	host, spam, inbox = imapEndpointFor("outlook")
	assert.Equal(t, "outlook.office365.com", host)
	assert.Equal(t, "Spam", spam)
	assert.Equal(t, "Inbox", inbox)

	host, spam, inbox = imapEndpointFor("skyfunnel")
	assert.Equal(t, "imap.skyfunnel.io", host)
	assert.Equal(t, "SPAM", spam)
	assert.Equal(t, "INBOX", inbox)
}
