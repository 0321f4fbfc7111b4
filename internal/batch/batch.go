// SPDX-License-Identifier: GPL-3.0-or-later

// Package batch implements the batch processor (C7): walks the current
// hour bucket once an hour, rescues then replies per sender, and applies
// the auth-contagion and retry/delete policy of spec §4.7. The
// ticker/select shape is grounded on nam-hle-task-management's
// sync.Poller.pollSource; per-tick sender fan-out reuses
// internal/concurrency, the teacher's own fan-out idiom.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/warmupworker/internal/concurrency"
	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/batch"

const (
	defaultTickInterval = 60 * time.Minute
	cooldownHideWindow  = 12 * time.Hour
	maxReceiveRetries   = 2
)

// Loop is the batch tick loop described by spec §4.7.
type Loop struct {
	queue      domain.QueueAdapter
	cooldown   domain.CooldownStore
	rescuer    domain.SpamRescuer
	dispatcher domain.MailDispatcher
	logSink    domain.LogSink
	issues     domain.IssueSink
	pool       *concurrency.Pool
	interval   time.Duration
	l          *logrus.Logger
}

// New builds a Loop. concurrency bounds how many senders are processed in
// parallel within a single tick; entries within one sender are always
// processed sequentially, per spec §5. An interval of zero falls back to
// spec §4.7's 60-minute cadence.
func New(
	queue domain.QueueAdapter,
	cooldown domain.CooldownStore,
	rescuer domain.SpamRescuer,
	dispatcher domain.MailDispatcher,
	logSink domain.LogSink,
	issues domain.IssueSink,
	concurrencyLimit int,
	interval time.Duration,
) *Loop {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Loop{
		queue:      queue,
		cooldown:   cooldown,
		rescuer:    rescuer,
		dispatcher: dispatcher,
		logSink:    logSink,
		issues:     issues,
		pool:       concurrency.New(concurrencyLimit),
		interval:   interval,
		l:          logging.Logger(logging.Batch),
	}
}

// Run blocks, ticking at the configured interval until ctx is cancelled.
// The first tick runs immediately rather than waiting out the first
// interval.
func (lp *Loop) Run(ctx context.Context) {
	lp.tick(ctx)

	ticker := time.NewTicker(lp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lp.tick(ctx)
		}
	}
}

// tick reads the current hour bucket, processes every sender it contains
// (bounded parallelism across senders, sequential within one sender), and
// removes every processed sender from the bucket afterward, per spec
// §4.7 steps 1-3.
func (lp *Loop) tick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "batch.tick")
	defer span.End()

	bucket, err := lp.cooldown.ReadBucket(ctx)
	if err != nil {
		lp.l.WithError(err).Warn("Could not read hour bucket, retrying next tick")
		return
	}
	if len(bucket) == 0 {
		lp.l.Debug("Hour bucket empty, nothing to process")
		return
	}

	senders := make([]string, 0, len(bucket))
	for sender := range bucket {
		senders = append(senders, sender)
	}

	var mu sync.Mutex
	processed := make([]string, 0, len(senders))

	lp.pool.Run(len(senders), func(i int) {
		sender := senders[i]
		if !lp.safeProcessSender(ctx, sender, bucket[sender]) {
			return
		}

		mu.Lock()
		processed = append(processed, sender)
		mu.Unlock()
	})

	if err := lp.cooldown.RemoveSenders(ctx, processed); err != nil {
		lp.l.WithError(err).Warn("Could not remove processed senders from bucket")
	}
}

// safeProcessSender recovers a panic out of one sender's rescue/reply
// sequence so one unexpectedly-shaped entry cannot take the whole tick's
// fan-out down with it, per spec §7's uncaught-exception policy. The
// recovered value is logged and reported as an Issue; the loop continues
// on to the next sender. A recovered panic always reports incomplete,
// the same as any other transient failure, since whatever work the
// sender was mid-way through is of unknown outcome.
func (lp *Loop) safeProcessSender(ctx context.Context, sender string, entries []domain.BatchEntry) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			completed = false
			lp.l.WithField("panic", r).WithField("replyFrom", sender).Error("Unhandled panic in sender processing")
			if err := lp.issues.ReportIssue(ctx, domain.Issue{
				Title:         "Panic in batch sender processing",
				Description:   fmt.Sprintf("%v", r),
				Service:       "batch",
				Priority:      domain.IssueHigh,
				ProbableCause: []string{"unhandled panic"},
				Context:       map[string]string{"replyFrom": sender},
			}); err != nil {
				lp.l.WithError(err).Error("Could not report issue for recovered panic")
			}
		}
	}()
	return lp.processSender(ctx, sender, entries)
}

// processSender runs the rescue-then-reply sequence for one sender's
// entries, in order, per spec §4.7 step 2. It reports whether every
// entry reached a terminal outcome (replied, deleted, or folded into the
// auth-contagion policy) — the only condition under which tick may ask
// RemoveSenders to drop the sender's hour-bucket rows. A sender left
// with any entry still pending after a transient failure must stay in
// the bucket so the next tick retries it; the bucket is the only
// surviving record of those entries once ingest has deleted their
// queue envelopes, per spec §4.6/§9.
func (lp *Loop) processSender(ctx context.Context, sender string, entries []domain.BatchEntry) bool {
	senderLog := lp.l.WithField("replyFrom", sender)

	blocked, err := lp.cooldown.IsBlocked(ctx, sender)
	if err != nil {
		senderLog.WithError(err).Debug("Could not check block flag, leaving entries for next tick")
		return false
	}
	if blocked {
		senderLog.Info("Sender blocked, deleting all pending entries")
		for _, entry := range entries {
			lp.delete(ctx, entry.ReceiptHandle)
		}
		return true
	}

	rescueOutcome, _ := lp.rescuer.Rescue(ctx, entries[0].CustomMailID, sender)
	if rescueOutcome == domain.OutcomeAuthFailure {
		senderLog.Warn("Spam rescue reported an auth failure")
		lp.handleAuthFailure(ctx, sender, entries)
		return true
	}

	toSend := make([]domain.BatchEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.ShouldReplyOrDefault() {
			lp.delete(ctx, entry.ReceiptHandle)
			continue
		}
		toSend = append(toSend, entry)
	}
	if len(toSend) == 0 {
		return true
	}

	results, err := lp.dispatcher.SendBatch(ctx, sender, toSend)
	if err != nil {
		senderLog.WithError(err).Debug("Could not resolve sender credentials, leaving entries for next tick")
		return false
	}

	completed := true
	for i, result := range results {
		switch result.Outcome {
		case domain.OutcomeSuccess:
			if logErr := lp.logSink.RecordReplied(ctx, result.Entry.WarmupID, result.Entry.To); logErr != nil {
				senderLog.WithError(logErr).Warn("Could not record REPLIED log row")
			}
			lp.delete(ctx, result.Entry.ReceiptHandle)
		case domain.OutcomeAuthFailure:
			senderLog.WithError(result.Err).Warn("Reply dispatch reported an auth failure")
			remaining := make([]domain.BatchEntry, 0, len(results)-i)
			for _, r := range results[i:] {
				remaining = append(remaining, r.Entry)
			}
			lp.handleAuthFailure(ctx, sender, remaining)
			return completed
		case domain.OutcomeTransientFailure:
			senderLog.WithError(result.Err).Debug("Transient dispatch failure, leaving envelope for retry")
			completed = false
		}
	}
	return completed
}

// handleAuthFailure applies spec §4.7's auth-contagion policy: both
// cooldown tiers are set, and every remaining entry for the sender is
// either hidden for retry or deleted permanently depending on how many
// times it has already been received.
func (lp *Loop) handleAuthFailure(ctx context.Context, sender string, entries []domain.BatchEntry) {
	if err := lp.cooldown.MarkCooldown(ctx, sender); err != nil {
		lp.l.WithError(err).WithField("replyFrom", sender).Warn("Could not mark cooldown")
	}
	if err := lp.cooldown.MarkBlocked(ctx, sender); err != nil {
		lp.l.WithError(err).WithField("replyFrom", sender).Warn("Could not mark blocked")
	}

	for _, entry := range entries {
		if entry.ReceiveCount >= maxReceiveRetries {
			lp.delete(ctx, entry.ReceiptHandle)
		} else {
			lp.hide(ctx, entry.ReceiptHandle, cooldownHideWindow)
		}
	}
}

func (lp *Loop) delete(ctx context.Context, handle string) {
	if err := lp.queue.Delete(ctx, handle); err != nil {
		lp.l.WithError(err).Warn("Could not delete envelope")
	}
}

func (lp *Loop) hide(ctx context.Context, handle string, window time.Duration) {
	if err := lp.queue.Hide(ctx, handle, int(window.Seconds())); err != nil {
		lp.l.WithError(err).Warn("Could not extend envelope visibility")
	}
}
