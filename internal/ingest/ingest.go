// SPDX-License-Identifier: GPL-3.0-or-later

// Package ingest implements the ingest loop (C6): drains the queue every
// tick, validates and admits each envelope into the current hour bucket.
// The ticker/select shape is grounded on nam-hle-task-management's
// sync.Poller.pollSource; the per-tick bounded fan-out reuses
// internal/concurrency, the teacher's own fan-out idiom.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CrawX/warmupworker/internal/concurrency"
	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/logging"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/ingest"

const (
	defaultTickInterval = 2 * time.Minute
	maxRequeueDelay     = 900 * time.Second
	cooldownHideWindow  = 12 * time.Hour
	maxReceiveRetries   = 2
)

// Loop is the ingest tick loop described by spec §4.6.
type Loop struct {
	queue    domain.QueueAdapter
	cooldown domain.CooldownStore
	issues   domain.IssueSink
	pool     *concurrency.Pool
	interval time.Duration
	l        *logrus.Logger
}

// New builds a Loop. concurrencyLimit bounds how many envelopes are
// validated and admitted in parallel within a single tick. An interval
// of zero falls back to spec §4.6's 2-minute cadence.
func New(queue domain.QueueAdapter, cooldown domain.CooldownStore, issues domain.IssueSink, concurrencyLimit int, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Loop{
		queue:    queue,
		cooldown: cooldown,
		issues:   issues,
		pool:     concurrency.New(concurrencyLimit),
		interval: interval,
		l:        logging.Logger(logging.Ingest),
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

// tick receives one page of envelopes and waits for every one of them to
// be handled before returning, per spec §4.6's "all envelope handlers
// complete before the next tick" rule.
func (lp *Loop) tick(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "ingest.tick")
	defer span.End()

	envelopes, err := lp.queue.Receive(ctx)
	if err != nil {
		lp.l.WithError(err).Warn("Could not receive from queue, retrying next tick")
		return
	}
	if len(envelopes) == 0 {
		return
	}

	lp.l.WithField("count", len(envelopes)).Debug("Received envelopes")
	lp.pool.Run(len(envelopes), func(i int) {
		lp.safeHandle(ctx, envelopes[i])
	})
}

// safeHandle recovers a panic out of a single envelope's handling so one
// malformed or unexpectedly-shaped envelope cannot take the whole tick's
// fan-out down with it, per spec §7's uncaught-exception policy. The
// recovered value is logged and reported as an Issue; the loop continues.
func (lp *Loop) safeHandle(ctx context.Context, env domain.QueueEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			lp.l.WithField("panic", r).WithField("receiptHandle", env.ReceiptHandle).Error("Unhandled panic in envelope handler")
			if err := lp.issues.ReportIssue(ctx, domain.Issue{
				Title:         "Panic in ingest envelope handler",
				Description:   fmt.Sprintf("%v", r),
				Service:       "ingest",
				Priority:      domain.IssueHigh,
				ProbableCause: []string{"unhandled panic"},
				Context:       map[string]string{"receiptHandle": env.ReceiptHandle},
			}); err != nil {
				lp.l.WithError(err).Error("Could not report issue for recovered panic")
			}
		}
	}()
	lp.handle(ctx, env)
}

func (lp *Loop) handle(ctx context.Context, env domain.QueueEnvelope) {
	var req domain.WarmupRequest
	if err := json.Unmarshal([]byte(env.Body), &req); err != nil {
		lp.l.WithError(err).Warn("Malformed payload, deleting permanently")
		lp.delete(ctx, env.ReceiptHandle)
		return
	}
	if err := req.Validate(); err != nil {
		lp.l.WithError(err).Warn("Invalid payload, deleting permanently")
		lp.delete(ctx, env.ReceiptHandle)
		return
	}

	if req.ScheduledFor != nil {
		if lp.deferIfScheduled(ctx, env, req) {
			return
		}
	}

	entryLog := lp.l.WithField("replyFrom", req.ReplyFrom).WithField("to", req.To)

	inCooldown, err := lp.cooldown.IsInCooldown(ctx, req.ReplyFrom)
	if err != nil {
		entryLog.WithError(err).Debug("Could not check cooldown, leaving envelope for retry")
		return
	}
	if inCooldown {
		if env.ApproximateReceiveCount >= maxReceiveRetries {
			entryLog.Info("Sender still in cooldown after retries, deleting")
			lp.delete(ctx, env.ReceiptHandle)
		} else {
			entryLog.Debug("Sender in cooldown, hiding for retry")
			lp.hide(ctx, env.ReceiptHandle, cooldownHideWindow)
		}
		return
	}

	blocked, err := lp.cooldown.IsBlocked(ctx, req.ReplyFrom)
	if err != nil {
		entryLog.WithError(err).Debug("Could not check block flag, leaving envelope for retry")
		return
	}
	if blocked {
		entryLog.Info("Sender blocked, deleting")
		lp.delete(ctx, env.ReceiptHandle)
		return
	}

	entry := domain.BatchEntry{
		WarmupRequest: req,
		ReceiptHandle: env.ReceiptHandle,
		AddedAt:       time.Now().UnixMilli(),
		ReceiveCount:  env.ApproximateReceiveCount,
	}

	inserted, err := lp.cooldown.AddToBucket(ctx, req.ReplyFrom, entry)
	if err != nil {
		entryLog.WithError(err).Debug("Could not admit into hour bucket, leaving envelope for retry")
		return
	}

	if !inserted {
		entryLog.Debug("Duplicate within hour bucket, dropping")
	}
	lp.delete(ctx, env.ReceiptHandle)
}

// deferIfScheduled requeues req with a capped delay and deletes the
// original envelope when scheduledFor is still in the future, per spec
// §4.6 step 3. Returns true if the envelope was handled this way.
func (lp *Loop) deferIfScheduled(ctx context.Context, env domain.QueueEnvelope, req domain.WarmupRequest) bool {
	scheduledFor := time.UnixMilli(*req.ScheduledFor)
	delay := time.Until(scheduledFor)
	if delay <= 0 {
		return false
	}
	if delay > maxRequeueDelay {
		delay = maxRequeueDelay
	}

	if err := lp.queue.DelayRequeue(ctx, env.Body, int(delay.Seconds())); err != nil {
		lp.l.WithError(err).Warn("Could not requeue scheduled envelope, leaving for retry")
		return true
	}
	lp.delete(ctx, env.ReceiptHandle)
	return true
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
