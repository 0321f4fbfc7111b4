// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch implements domain.MailDispatcher (C4): an SMTP path
// grounded on nam-hle-task-management's sendSMTPWithTLS /
// sendSMTPWithStartTLS / sendMailViaSMTPClient trio, and a VendorAPI
// (Gmail) path grounded on the Gmail adapter in the wider reference pack
// (oauth2 token source, gobreaker-wrapped calls, base64url raw message
// send). Both paths build their wire message through internal/mailmsg.
package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/mailmsg"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/dispatch"

const (
	smtpDialTimeout  = 30 * time.Second
	transientRetryDelay = 2 * time.Second
)

// authMarkers are the substrings that classify a dispatch error as
// AuthFailure, per spec §4.4 step 5.
var authMarkers = []string{
	"auth", "authentication", "invalid credentials", "login failed", "535", "534",
}

// Dispatcher implements domain.MailDispatcher.
type Dispatcher struct {
	resolver    domain.CredentialResolver
	redirectURI string
	cb          *gobreaker.CircuitBreaker
	l           *logrus.Logger
}

// New builds a Dispatcher. redirectURI is the OAuth client's configured
// redirect URI, shared across senders; client id/secret come from each
// sender's own resolved Credentials.
func New(resolver domain.CredentialResolver, redirectURI string) *Dispatcher {
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
	}

	return &Dispatcher{
		resolver:    resolver,
		redirectURI: redirectURI,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		l:           logging.Logger(logging.Dispatch),
	}
}

var _ domain.MailDispatcher = (*Dispatcher)(nil)

// SendReply resolves credentials and dispatches entry per spec §4.4.
func (d *Dispatcher) SendReply(ctx context.Context, entry domain.BatchEntry) (domain.DispatchOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.SendReply")
	defer span.End()

	creds, err := d.resolver.GetCredentials(ctx, entry.ReplyFrom)
	if err != nil {
		return domain.OutcomeTransientFailure, fmt.Errorf("%w: resolving credentials: %v", domain.ErrTransient, err)
	}
	if creds == nil {
		return domain.OutcomeAuthFailure, fmt.Errorf("%w: no credentials for %s", domain.ErrAuth, entry.ReplyFrom)
	}

	return d.send(ctx, creds, entry)
}

// SendBatch dispatches entries for one sender over a single reused SMTP
// connection or Gmail service client, aborting the remainder as soon as
// an AuthFailure is observed, per spec §4.4's sendBatch contract and
// §5's "mail transport reused sequentially within one sender, never
// shared across senders" rule.
func (d *Dispatcher) SendBatch(ctx context.Context, replyFrom string, entries []domain.BatchEntry) ([]domain.DispatchResult, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.SendBatch")
	defer span.End()

	creds, err := d.resolver.GetCredentials(ctx, replyFrom)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving credentials: %v", domain.ErrTransient, err)
	}

	results := make([]domain.DispatchResult, 0, len(entries))
	if creds == nil {
		for _, entry := range entries {
			results = append(results, domain.DispatchResult{
				Entry: entry, Outcome: domain.OutcomeAuthFailure,
				Err: fmt.Errorf("%w: no credentials for %s", domain.ErrAuth, replyFrom),
			})
		}
		return results, nil
	}
	if len(entries) == 0 {
		return results, nil
	}

	if creds.Service == "gmail" && creds.HasUsableOAuth() {
		return d.sendBatchViaVendorAPI(ctx, creds, entries)
	}
	return d.sendBatchViaSMTP(ctx, creds, entries)
}

// sendBatchViaSMTP dials and authenticates once, then issues one
// MAIL/RCPT/DATA transaction per entry over that same *smtp.Client.
func (d *Dispatcher) sendBatchViaSMTP(ctx context.Context, creds *domain.Credentials, entries []domain.BatchEntry) ([]domain.DispatchResult, error) {
	results := make([]domain.DispatchResult, 0, len(entries))

	host, port := smtpHostFor(entries[0].ReplyFrom)
	addr := net.JoinHostPort(host, port)

	var client *smtp.Client
	var err error
	if port == "465" {
		client, err = dialImplicitTLS(ctx, addr, host)
	} else {
		client, err = dialStartTLS(ctx, addr, host)
	}
	if err != nil {
		for _, entry := range entries {
			results = append(results, domain.DispatchResult{Entry: entry, Outcome: domain.OutcomeTransientFailure, Err: err})
		}
		return results, nil
	}
	defer client.Close()

	auth := smtp.PlainAuth("", entries[0].ReplyFrom, creds.SMTPPassword, host)
	if err := client.Auth(auth); err != nil {
		authErr := fmt.Errorf("SMTP auth: %w", err)
		for _, entry := range entries {
			results = append(results, domain.DispatchResult{Entry: entry, Outcome: classify(authErr), Err: authErr})
		}
		return results, nil
	}

	for i, entry := range entries {
		sendErr := d.sendOneViaClient(client, entry)
		outcome := classify(sendErr)
		results = append(results, domain.DispatchResult{Entry: entry, Outcome: outcome, Err: sendErr})
		if outcome == domain.OutcomeAuthFailure {
			for _, remaining := range entries[i+1:] {
				results = append(results, domain.DispatchResult{
					Entry: remaining, Outcome: domain.OutcomeAuthFailure,
					Err: fmt.Errorf("%w: sender aborted after auth failure", domain.ErrAuth),
				})
			}
			break
		}
	}
	return results, nil
}

func (d *Dispatcher) sendOneViaClient(client *smtp.Client, entry domain.BatchEntry) error {
	raw, err := mailmsg.Build(d.buildReply(entry))
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}
	return sendMailViaSMTPClient(client, entry.ReplyFrom, entry.To, normalizeCRLF(raw))
}

// sendBatchViaVendorAPI refreshes the OAuth token and builds the Gmail
// service once, then issues one Send call per entry through that same
// *gmail.Service.
func (d *Dispatcher) sendBatchViaVendorAPI(ctx context.Context, creds *domain.Credentials, entries []domain.BatchEntry) ([]domain.DispatchResult, error) {
	results := make([]domain.DispatchResult, 0, len(entries))

	cfg := &oauth2.Config{
		ClientID:     creds.OAuthClientID,
		ClientSecret: creds.OAuthSecret,
		RedirectURL:  d.redirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailReadonlyScope},
	}
	token := &oauth2.Token{AccessToken: creds.OAuthAccess, RefreshToken: creds.OAuthRefresh}
	src := cfg.TokenSource(ctx, token)

	refreshed, err := src.Token()
	if err != nil {
		authErr := fmt.Errorf("%w: refreshing oauth token: %v", domain.ErrAuth, err)
		for _, entry := range entries {
			results = append(results, domain.DispatchResult{Entry: entry, Outcome: domain.OutcomeAuthFailure, Err: authErr})
		}
		return results, nil
	}
	if refreshed.AccessToken != creds.OAuthAccess {
		_ = d.resolver.PersistRefreshedAccess(ctx, entries[0].ReplyFrom, refreshed.AccessToken)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(refreshed)))
	if err != nil {
		transientErr := fmt.Errorf("building gmail service: %w", err)
		for _, entry := range entries {
			results = append(results, domain.DispatchResult{Entry: entry, Outcome: domain.OutcomeTransientFailure, Err: transientErr})
		}
		return results, nil
	}

	for i, entry := range entries {
		sendErr := d.sendOneViaService(ctx, svc, entry)
		outcome := classify(sendErr)
		results = append(results, domain.DispatchResult{Entry: entry, Outcome: outcome, Err: sendErr})
		if outcome == domain.OutcomeAuthFailure {
			for _, remaining := range entries[i+1:] {
				results = append(results, domain.DispatchResult{
					Entry: remaining, Outcome: domain.OutcomeAuthFailure,
					Err: fmt.Errorf("%w: sender aborted after auth failure", domain.ErrAuth),
				})
			}
			break
		}
	}
	return results, nil
}

func (d *Dispatcher) sendOneViaService(ctx context.Context, svc *gmail.Service, entry domain.BatchEntry) error {
	reply := d.buildReply(entry)
	var threadID string
	if entry.ReferenceID != "" || entry.InReplyTo != "" {
		id, err := d.lookupThreadID(ctx, svc, coalesceID(entry.ReferenceID, entry.InReplyTo))
		if err != nil {
			d.l.WithError(err).WithField("entry", entry.CustomMailID).Warn("Could not look up thread id, sending unthreaded")
		}
		threadID = id
	}

	raw, err := mailmsg.Build(reply)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw), ThreadId: threadID}
	return d.executeWithBreaker(ctx, "Send", func() error {
		_, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	})
}

func (d *Dispatcher) send(ctx context.Context, creds *domain.Credentials, entry domain.BatchEntry) (domain.DispatchOutcome, error) {
	if creds.Service == "gmail" && creds.HasUsableOAuth() {
		err := d.sendViaVendorAPI(ctx, creds, entry)
		return classify(err), err
	}

	err := d.sendViaSMTP(ctx, creds, entry)
	if err != nil && classify(err) == domain.OutcomeTransientFailure {
		time.Sleep(transientRetryDelay)
		err = d.sendViaSMTP(ctx, creds, entry)
	}
	return classify(err), err
}

func (d *Dispatcher) buildReply(entry domain.BatchEntry) mailmsg.Reply {
	return mailmsg.Reply{
		From:            entry.ReplyFrom,
		To:              entry.To,
		OriginalSubject: entry.OriginalSubject,
		Body:            entry.Body,
		InReplyTo:       entry.InReplyTo,
		References:      entry.ReferenceID,
	}
}

// sendViaSMTP connects over STARTTLS (587) or implicit TLS (465) and
// sends entry, following nam-hle's sendSMTPWithTLS/sendSMTPWithStartTLS
// split and sendMailViaSMTPClient transaction.
func (d *Dispatcher) sendViaSMTP(ctx context.Context, creds *domain.Credentials, entry domain.BatchEntry) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.sendViaSMTP")
	defer span.End()

	raw, err := mailmsg.Build(d.buildReply(entry))
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}
	body := normalizeCRLF(raw)

	host, port := smtpHostFor(entry.ReplyFrom)
	addr := net.JoinHostPort(host, port)

	var client *smtp.Client
	if port == "465" {
		client, err = dialImplicitTLS(ctx, addr, host)
	} else {
		client, err = dialStartTLS(ctx, addr, host)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	auth := smtp.PlainAuth("", entry.ReplyFrom, creds.SMTPPassword, host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return sendMailViaSMTPClient(client, entry.ReplyFrom, entry.To, body)
}

func dialImplicitTLS(ctx context.Context, addr, host string) (*smtp.Client, error) {
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return client, nil
}

func dialStartTLS(ctx context.Context, addr, host string) (*smtp.Client, error) {
	d := net.Dialer{Timeout: smtpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
		client.Close()
		return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	return client, nil
}

func sendMailViaSMTPClient(client *smtp.Client, from, to string, body []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := writer.Write(body); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}

// smtpHostFor returns the Gmail-compatible SMTP endpoint for a sender.
// Non-goal coverage of other providers' SMTP hosts is left to config in
// a fuller deployment; this worker targets the Gmail-compatible surface
// spec §6 names explicitly.
func smtpHostFor(_ string) (host, port string) {
	return "smtp.gmail.com", "587"
}

func normalizeCRLF(raw []byte) []byte {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return []byte(s)
}

// sendViaVendorAPI sends entry through the Gmail API, threading the
// reply onto the original conversation when a References/In-Reply-To
// message-id is present, per spec §4.4 step 3.
func (d *Dispatcher) sendViaVendorAPI(ctx context.Context, creds *domain.Credentials, entry domain.BatchEntry) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "dispatch.sendViaVendorAPI")
	defer span.End()

	cfg := &oauth2.Config{
		ClientID:     creds.OAuthClientID,
		ClientSecret: creds.OAuthSecret,
		RedirectURL:  d.redirectURI,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailReadonlyScope},
	}
	token := &oauth2.Token{AccessToken: creds.OAuthAccess, RefreshToken: creds.OAuthRefresh}
	src := cfg.TokenSource(ctx, token)

	refreshed, err := src.Token()
	if err != nil {
		return fmt.Errorf("%w: refreshing oauth token: %v", domain.ErrAuth, err)
	}
	if refreshed.AccessToken != creds.OAuthAccess {
		_ = d.resolver.PersistRefreshedAccess(ctx, entry.ReplyFrom, refreshed.AccessToken)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(refreshed)))
	if err != nil {
		return fmt.Errorf("building gmail service: %w", err)
	}

	reply := d.buildReply(entry)
	var threadID string
	if entry.ReferenceID != "" || entry.InReplyTo != "" {
		threadID, err = d.lookupThreadID(ctx, svc, coalesceID(entry.ReferenceID, entry.InReplyTo))
		if err != nil {
			d.l.WithError(err).WithField("entry", entry.CustomMailID).Warn("Could not look up thread id, sending unthreaded")
		}
	}

	raw, err := mailmsg.Build(reply)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw), ThreadId: threadID}

	return d.executeWithBreaker(ctx, "Send", func() error {
		_, err := svc.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	})
}

// lookupThreadID finds the thread containing the message identified by
// msgID using Gmail's rfc822msgid: search operator, per spec §4.4 step 3.
func (d *Dispatcher) lookupThreadID(ctx context.Context, svc *gmail.Service, msgID string) (string, error) {
	var resp *gmail.ListMessagesResponse
	err := d.executeWithBreaker(ctx, "LookupThread", func() error {
		var apiErr error
		resp, apiErr = svc.Users.Messages.List("me").Q(fmt.Sprintf("rfc822msgid:%s", msgID)).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}

	var msg *gmail.Message
	err = d.executeWithBreaker(ctx, "GetThreadID", func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", resp.Messages[0].Id).Format("minimal").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", err
	}
	return msg.ThreadId, nil
}

func (d *Dispatcher) executeWithBreaker(ctx context.Context, op string, fn func() error) error {
	_, err := d.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		d.l.WithError(err).WithField("op", op).Debug("Vendor API call failed")
	}
	return err
}

func coalesceID(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

// classify sorts a dispatch error into success/auth/transient per spec
// §4.4 step 5's substring-match policy.
func classify(err error) domain.DispatchOutcome {
	if err == nil {
		return domain.OutcomeSuccess
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(lower, marker) {
			return domain.OutcomeAuthFailure
		}
	}
	return domain.OutcomeTransientFailure
}
