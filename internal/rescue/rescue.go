// SPDX-License-Identifier: GPL-3.0-or-later

// Package rescue implements domain.SpamRescuer (C5): an IMAP path grounded
// on nam-hle-task-management's imapclient.DialTLS/Select/Fetch pattern (and
// the teacher's ImapConnection.FetchMails collect-then-act discipline), and
// a VendorAPI (Gmail) path grounded on the Gmail adapter in the wider
// reference pack, mirroring internal/dispatch's oauth2/gobreaker wiring.
package rescue

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
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

const tracerName = "warmupworker/rescue"

const logoutWatchdog = 5 * time.Second

var authMarkers = []string{
	"auth", "authentication", "invalid credentials", "login failed", "535", "534",
}

// Rescuer implements domain.SpamRescuer.
type Rescuer struct {
	resolver    domain.CredentialResolver
	redirectURI string
	cb          *gobreaker.CircuitBreaker
	l           *logrus.Logger
}

// New builds a Rescuer sharing the same OAuth redirect URI as the
// dispatcher, since both resolve against the same sender credential store.
func New(resolver domain.CredentialResolver, redirectURI string) *Rescuer {
	cbSettings := gobreaker.Settings{
		Name:        "gmail-api-rescue",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
	}

	return &Rescuer{
		resolver:    resolver,
		redirectURI: redirectURI,
		cb:          gobreaker.NewCircuitBreaker(cbSettings),
		l:           logging.Logger(logging.Rescue),
	}
}

var _ domain.SpamRescuer = (*Rescuer)(nil)

// Rescue locates prior warmup mail tagged customMailID in senderAddr's
// spam folder and moves it to the inbox, per spec §4.5. Non-auth failures
// of the rescue itself are logged and swallowed so a failed rescue never
// blocks the reply that follows it; AuthFailure bubbles up to the caller
// the same way C4's does. A credential lookup error is returned as
// TransientFailure together with the error.
func (r *Rescuer) Rescue(ctx context.Context, customMailID, senderAddr string) (domain.DispatchOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "rescue.Rescue")
	defer span.End()

	creds, err := r.resolver.GetCredentials(ctx, senderAddr)
	if err != nil {
		return domain.OutcomeTransientFailure, fmt.Errorf("%w: resolving credentials: %v", domain.ErrTransient, err)
	}
	if creds == nil {
		return domain.OutcomeAuthFailure, fmt.Errorf("%w: no credentials for %s", domain.ErrAuth, senderAddr)
	}

	var rescueErr error
	if creds.Service == "gmail" && creds.HasUsableOAuth() {
		rescueErr = r.rescueViaVendorAPI(ctx, creds, customMailID, senderAddr)
	} else {
		rescueErr = r.rescueViaIMAP(ctx, creds, customMailID, senderAddr)
	}

	if rescueErr == nil {
		return domain.OutcomeSuccess, nil
	}
	if classify(rescueErr) == domain.OutcomeAuthFailure {
		return domain.OutcomeAuthFailure, rescueErr
	}

	r.l.WithError(rescueErr).WithField("customMailId", customMailID).Warn("Spam rescue failed, continuing with reply")
	return domain.OutcomeSuccess, nil
}

// rescueViaIMAP implements the IMAP path of spec §4.5. UIDs are collected
// into a plain slice while draining the fetch iterator; MOVE and STORE run
// only after the iterator has been fully drained and closed, since issuing
// an IMAP command from inside the fetch loop deadlocks the connection.
func (r *Rescuer) rescueViaIMAP(ctx context.Context, creds *domain.Credentials, customMailID, senderAddr string) error {
	_, span := tracing.StartSpan(ctx, tracerName, "rescue.rescueViaIMAP")
	defer span.End()

	host, spamFolder, inboxFolder := imapEndpointFor(creds.Service)
	addr := net.JoinHostPort(host, "993")

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("dialing IMAP %s: %w", addr, err)
	}
	defer r.logoutWithWatchdog(client)

	if err := client.Login(senderAddr, creds.SMTPPassword).Wait(); err != nil {
		return fmt.Errorf("%w: IMAP login for %s: %v", domain.ErrAuth, senderAddr, err)
	}

	if _, err := client.Select(spamFolder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", spamFolder, err)
	}

	criteria := &imap.SearchCriteria{
		Header:  []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: customMailID}},
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("searching %s: %w", spamFolder, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil
	}

	matched, err := r.collectMatchingUIDs(client, uids, customMailID)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}

	uidSet := imap.UIDSetNum(matched...)

	// \Seen is set while the UIDs are still in the spam folder; MOVE
	// carries the flag over to the inbox copy.
	storeCmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging \\Seen: %w", err)
	}

	if _, err := client.Move(uidSet, inboxFolder).Wait(); err != nil {
		return fmt.Errorf("moving to %s: %w", inboxFolder, err)
	}

	return nil
}

// collectMatchingUIDs drains the fetch command fully before returning;
// no IMAP command is issued while msg := fetchCmd.Next() loop is running.
func (r *Rescuer) collectMatchingUIDs(client *imapclient.Client, uids []imap.UID, customMailID string) ([]imap.UID, error) {
	uidSet := imap.UIDSetNum(uids...)
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{Envelope: true, UID: true})

	var matched []imap.UID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		if buf.Envelope == nil {
			continue
		}

		subject, decodeErr := mailmsg.DecodeSubject(buf.Envelope.Subject)
		if decodeErr != nil {
			subject = buf.Envelope.Subject
		}
		if strings.Contains(subject, customMailID) {
			matched = append(matched, buf.UID)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching envelopes: %w", err)
	}
	return matched, nil
}

// logoutWithWatchdog logs out and releases the connection, giving up
// after logoutWatchdog so a stalled server can never hang the rescuer.
func (r *Rescuer) logoutWithWatchdog(client *imapclient.Client) {
	done := make(chan error, 1)
	go func() { done <- client.Logout().Wait() }()

	select {
	case err := <-done:
		if err != nil {
			r.l.WithError(err).Debug("IMAP logout returned an error")
		}
	case <-time.After(logoutWatchdog):
		r.l.Warn("IMAP logout did not complete within the watchdog, abandoning connection")
	}
	_ = client.Close()
}

// rescueViaVendorAPI implements the Gmail VendorAPI path of spec §4.5:
// search spam by subject tag, filter client-side by exact substring, then
// batch-modify matched messages out of spam and into the inbox.
func (r *Rescuer) rescueViaVendorAPI(ctx context.Context, creds *domain.Credentials, customMailID, senderAddr string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "rescue.rescueViaVendorAPI")
	defer span.End()

	cfg := &oauth2.Config{
		ClientID:     creds.OAuthClientID,
		ClientSecret: creds.OAuthSecret,
		RedirectURL:  r.redirectURI,
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
		_ = r.resolver.PersistRefreshedAccess(ctx, senderAddr, refreshed.AccessToken)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(refreshed)))
	if err != nil {
		return fmt.Errorf("building gmail service: %w", err)
	}

	query := fmt.Sprintf(`in:spam subject:"%s"`, customMailID)
	var listResp *gmail.ListMessagesResponse
	if err := r.executeWithBreaker(ctx, "ListSpam", func() error {
		var apiErr error
		listResp, apiErr = svc.Users.Messages.List("me").Q(query).Context(ctx).Do()
		return apiErr
	}); err != nil {
		return err
	}
	if listResp == nil || len(listResp.Messages) == 0 {
		return nil
	}

	matched, err := r.filterBySubject(ctx, svc, listResp.Messages, customMailID)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		return nil
	}

	return r.executeWithBreaker(ctx, "BatchModify", func() error {
		return svc.Users.Messages.BatchModify("me", &gmail.BatchModifyMessagesRequest{
			Ids:            matched,
			RemoveLabelIds: []string{"SPAM"},
			AddLabelIds:    []string{"INBOX"},
		}).Context(ctx).Do()
	})
}

// filterBySubject fetches each candidate's Subject header and keeps only
// messages containing customMailID as an exact substring, per spec §4.5's
// "filter client-side by exact substring" step.
func (r *Rescuer) filterBySubject(ctx context.Context, svc *gmail.Service, candidates []*gmail.Message, customMailID string) ([]string, error) {
	var matched []string
	for _, candidate := range candidates {
		var msg *gmail.Message
		err := r.executeWithBreaker(ctx, "GetSubject", func() error {
			var apiErr error
			msg, apiErr = svc.Users.Messages.Get("me", candidate.Id).
				Format("metadata").MetadataHeaders("Subject").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			return nil, err
		}
		if msg.Payload == nil {
			continue
		}
		for _, h := range msg.Payload.Headers {
			if h.Name == "Subject" && strings.Contains(h.Value, customMailID) {
				matched = append(matched, candidate.Id)
				break
			}
		}
	}
	return matched, nil
}

func (r *Rescuer) executeWithBreaker(ctx context.Context, op string, fn func() error) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		r.l.WithError(err).WithField("op", op).Debug("Vendor API call failed")
	}
	return err
}

// imapEndpointFor returns the host and spam/inbox folder names for a
// sender mailbox provider, per spec §4.5's provider table.
func imapEndpointFor(service string) (host, spamFolder, inboxFolder string) {
	switch service {
	case "outlook":
		return "outlook.office365.com", "Spam", "Inbox"
	case "skyfunnel":
		return "imap.skyfunnel.io", "SPAM", "INBOX"
	default:
		return "imap.gmail.com", "[Gmail]/Spam", "INBOX"
	}
}

// classify sorts a rescue error into success/auth/transient using the
// same substring-match policy internal/dispatch applies, per spec §4.4
// step 5 (shared by C5 per §4.5's "AuthFailure bubbles up ... the same
// way as C4's").
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
