// SPDX-License-Identifier: GPL-3.0-or-later
package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
)

func init() {
	logging.Init("debug")
}

type fakeQueue struct {
	mu      sync.Mutex
	deleted []string
	hidden  map[string]int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{hidden: make(map[string]int)}
}

func (f *fakeQueue) Receive(ctx context.Context) ([]domain.QueueEnvelope, error) { return nil, nil }

func (f *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeQueue) DelayRequeue(ctx context.Context, body string, delaySeconds int) error { return nil }

func (f *fakeQueue) Hide(ctx context.Context, receiptHandle string, seconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden[receiptHandle] = seconds
	return nil
}

func (f *fakeQueue) ScheduleFuture(ctx context.Context, body string, scheduledForMillis int64) error {
	return nil
}

type fakeCooldown struct {
	mu           sync.Mutex
	blocked      map[string]bool
	cooldown     map[string]bool
	bucket       map[string][]domain.BatchEntry
	removed      []string
	isBlockedErr error
}

func newFakeCooldown(bucket map[string][]domain.BatchEntry) *fakeCooldown {
	return &fakeCooldown{blocked: map[string]bool{}, cooldown: map[string]bool{}, bucket: bucket}
}

func (f *fakeCooldown) MarkBlocked(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[addr] = true
	return nil
}
func (f *fakeCooldown) IsBlocked(ctx context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isBlockedErr != nil {
		return false, f.isBlockedErr
	}
	return f.blocked[addr], nil
}
func (f *fakeCooldown) ClearBlocked(ctx context.Context, addr string) error { return nil }
func (f *fakeCooldown) MarkCooldown(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldown[addr] = true
	return nil
}
func (f *fakeCooldown) IsInCooldown(ctx context.Context, addr string) (bool, error) { return false, nil }
func (f *fakeCooldown) ClearCooldown(ctx context.Context, addr string) error        { return nil }
func (f *fakeCooldown) AddToBucket(ctx context.Context, replyFrom string, entry domain.BatchEntry) (bool, error) {
	return true, nil
}
func (f *fakeCooldown) ReadBucket(ctx context.Context) (map[string][]domain.BatchEntry, error) {
	return f.bucket, nil
}
func (f *fakeCooldown) RemoveSenders(ctx context.Context, senders []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, senders...)
	return nil
}

type fakeRescuer struct {
	outcome domain.DispatchOutcome
	calls   int
	panics  bool
}

func (f *fakeRescuer) Rescue(ctx context.Context, customMailID, senderAddr string) (domain.DispatchOutcome, error) {
	f.calls++
	if f.panics {
		panic("simulated panic in Rescue")
	}
	return f.outcome, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]domain.DispatchOutcome
	sent     []string
	batchErr error
}

func (f *fakeDispatcher) SendReply(ctx context.Context, entry domain.BatchEntry) (domain.DispatchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, entry.To)
	outcome := f.outcomes[entry.To]
	return outcome, nil
}

// SendBatch stands in for a single reused connection: it records every
// entry it was handed and returns one DispatchResult per entry, aborting
// the remainder as soon as one entry reports AuthFailure, mirroring
// internal/dispatch's real abort-on-auth-failure contract.
func (f *fakeDispatcher) SendBatch(ctx context.Context, replyFrom string, entries []domain.BatchEntry) ([]domain.DispatchResult, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]domain.DispatchResult, 0, len(entries))
	for i, entry := range entries {
		f.sent = append(f.sent, entry.To)
		outcome := f.outcomes[entry.To]
		results = append(results, domain.DispatchResult{Entry: entry, Outcome: outcome})
		if outcome == domain.OutcomeAuthFailure {
			for _, remaining := range entries[i+1:] {
				results = append(results, domain.DispatchResult{Entry: remaining, Outcome: domain.OutcomeAuthFailure})
			}
			break
		}
	}
	return results, nil
}

type fakeLogSink struct {
	mu      sync.Mutex
	replied []string
}

func (f *fakeLogSink) RecordReplied(ctx context.Context, warmupID, recipientEmail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replied = append(f.replied, recipientEmail)
	return nil
}

type fakeIssueSink struct {
	mu     sync.Mutex
	issues []domain.Issue
}

func (f *fakeIssueSink) ReportIssue(ctx context.Context, issue domain.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, issue)
	return nil
}

func entry(to string, receiveCount int) domain.BatchEntry {
	return domain.BatchEntry{
		WarmupRequest: domain.WarmupRequest{
			To: to, ReplyFrom: "a@x.com", WarmupID: "w1", CustomMailID: "TAG1",
			OriginalSubject: "hi", Body: "warming up",
		},
		ReceiptHandle: "handle-" + to,
		ReceiveCount:  receiveCount,
	}
}

func TestProcessSender_HappyPathRecordsReplyAndDeletes(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	logSink := &fakeLogSink{}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{"b@y.com": domain.OutcomeSuccess}}

	lp := New(q, cd, rescuer, dispatcher, logSink, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})

	assert.Equal(t, 1, rescuer.calls)
	assert.Contains(t, q.deleted, "handle-b@y.com")
	assert.Contains(t, logSink.replied, "b@y.com")
}

func TestProcessSender_BlockedSenderDeletesAllWithoutRescueOrReply(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	cd.blocked["a@x.com"] = true
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{}}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0), entry("c@y.com", 0)})

	assert.Equal(t, 0, rescuer.calls)
	assert.ElementsMatch(t, []string{"handle-b@y.com", "handle-c@y.com"}, q.deleted)
}

func TestProcessSender_RescueAuthFailureMarksCooldownAndHidesLowRetries(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeAuthFailure}
	dispatcher := &fakeDispatcher{}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})

	assert.True(t, cd.cooldown["a@x.com"])
	assert.True(t, cd.blocked["a@x.com"])
	assert.Empty(t, q.deleted)
	assert.Equal(t, int((12 * 3600)), q.hidden["handle-b@y.com"])
	assert.Empty(t, dispatcher.sent)
}

func TestProcessSender_RescueAuthFailureDeletesAfterRetries(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeAuthFailure}
	dispatcher := &fakeDispatcher{}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 2)})

	assert.Contains(t, q.deleted, "handle-b@y.com")
}

func TestProcessSender_DispatchAuthFailureAbortsRemainingEntries(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{
		"b@y.com": domain.OutcomeAuthFailure,
		"c@y.com": domain.OutcomeSuccess,
	}}
	logSink := &fakeLogSink{}

	lp := New(q, cd, rescuer, dispatcher, logSink, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0), entry("c@y.com", 0)})

	assert.True(t, cd.cooldown["a@x.com"])
	assert.True(t, cd.blocked["a@x.com"])
	assert.NotContains(t, dispatcher.sent, "c@y.com")
	assert.NotContains(t, logSink.replied, "c@y.com")
	assert.Equal(t, int(12*3600), q.hidden["handle-c@y.com"])
}

func TestProcessSender_TransientFailureLeavesEnvelopeAlone(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{"b@y.com": domain.OutcomeTransientFailure}}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	completed := lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})

	assert.False(t, completed)
	assert.Empty(t, q.deleted)
	assert.Empty(t, q.hidden)
}

// TestProcessSender_TransientIsBlockedErrorReportsIncomplete guards against
// the bucket entry being dropped on a transient cooldown-store failure: if
// processSender ever reports completed=true here, tick would pass the
// sender to RemoveSenders and permanently lose every entry for it, since
// ingest has already deleted their queue envelopes by the time they reach
// the hour bucket.
func TestProcessSender_TransientIsBlockedErrorReportsIncomplete(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	cd.isBlockedErr = assert.AnError
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{"b@y.com": domain.OutcomeSuccess}}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	completed := lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})

	assert.False(t, completed)
	assert.Equal(t, 0, rescuer.calls)
	assert.Empty(t, q.deleted)
	assert.Empty(t, dispatcher.sent)
}

func TestTick_DoesNotRemoveSenderAfterTransientIsBlockedError(t *testing.T) {
	q := newFakeQueue()
	bucket := map[string][]domain.BatchEntry{"a@x.com": {entry("b@y.com", 0)}}
	cd := newFakeCooldown(bucket)
	cd.isBlockedErr = assert.AnError
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{"b@y.com": domain.OutcomeSuccess}}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.tick(context.Background())

	assert.Empty(t, cd.removed)
}

func TestProcessSender_SendBatchErrorReportsIncomplete(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{batchErr: assert.AnError}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	completed := lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})

	assert.False(t, completed)
	assert.Empty(t, q.deleted)
}

func TestProcessSender_ShouldReplyFalseJustDeletesHandle(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{}
	no := false
	e := entry("b@y.com", 0)
	e.ShouldReply = &no

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.processSender(context.Background(), "a@x.com", []domain.BatchEntry{e})

	assert.Contains(t, q.deleted, "handle-b@y.com")
	assert.Empty(t, dispatcher.sent)
}

func TestSafeProcessSender_RecoversPanicAndReportsIssue(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(nil)
	rescuer := &fakeRescuer{panics: true}
	dispatcher := &fakeDispatcher{}
	issues := &fakeIssueSink{}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, issues, 4, 0)

	assert.NotPanics(t, func() {
		lp.safeProcessSender(context.Background(), "a@x.com", []domain.BatchEntry{entry("b@y.com", 0)})
	})

	require.Len(t, issues.issues, 1)
	assert.Equal(t, "batch", issues.issues[0].Service)
}

func TestTick_EmptyBucketDoesNothing(t *testing.T) {
	q := newFakeQueue()
	cd := newFakeCooldown(map[string][]domain.BatchEntry{})
	rescuer := &fakeRescuer{}
	dispatcher := &fakeDispatcher{}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.tick(context.Background())

	assert.Empty(t, cd.removed)
	assert.Equal(t, 0, rescuer.calls)
}

func TestTick_ProcessesEverySenderAndRemovesThemFromBucket(t *testing.T) {
	q := newFakeQueue()
	bucket := map[string][]domain.BatchEntry{
		"a@x.com": {entry("b@y.com", 0)},
		"c@x.com": {entry("d@y.com", 0)},
	}
	cd := newFakeCooldown(bucket)
	rescuer := &fakeRescuer{outcome: domain.OutcomeSuccess}
	dispatcher := &fakeDispatcher{outcomes: map[string]domain.DispatchOutcome{
		"b@y.com": domain.OutcomeSuccess,
		"d@y.com": domain.OutcomeSuccess,
	}}

	lp := New(q, cd, rescuer, dispatcher, &fakeLogSink{}, &fakeIssueSink{}, 4, 0)
	lp.tick(context.Background())

	require.Len(t, cd.removed, 2)
	assert.ElementsMatch(t, []string{"a@x.com", "c@x.com"}, cd.removed)
}
