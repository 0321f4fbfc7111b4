// SPDX-License-Identifier: GPL-3.0-or-later

// Package queue implements domain.QueueAdapter (C1) against an SQS-style
// FIFO queue, the same client-construction and interface-abstraction shape
// as the SQS publishers in the pack (config.LoadDefaultConfig + an
// SQSClient interface for testability).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/CrawX/warmupworker/internal/domain"
	"github.com/CrawX/warmupworker/internal/tracing"
)

const tracerName = "warmupworker/queue"

// attrApproxReceiveCount is the SQS system attribute name carrying delivery
// count, used to populate QueueEnvelope.ApproximateReceiveCount per spec §4.1.
const attrApproxReceiveCount = "ApproximateReceiveCount"

// maxReceiveBatch mirrors SQS's own per-call cap.
const maxReceiveBatch = 10

// Client abstracts the subset of the SQS SDK the adapter calls, so tests
// can supply a fake without touching the network.
type Client interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Adapter implements domain.QueueAdapter.
type Adapter struct {
	client   Client
	queueURL string
}

// New builds an Adapter, the same config.LoadDefaultConfig pattern the
// pack's SQS publishers use. When accessKey/secretKey are both set it
// pins the client to a static credentials provider built from them, per
// spec §6's explicit C1 config surface; otherwise it falls back to the
// default AWS credential chain.
func New(ctx context.Context, queueURL, region, accessKey, secretKey string) (*Adapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: loading aws config: %w", err)
	}
	return NewWithClient(sqs.NewFromConfig(cfg), queueURL), nil
}

// NewWithClient builds an Adapter around an already-constructed client,
// used directly by tests with a fake Client.
func NewWithClient(client Client, queueURL string) *Adapter {
	return &Adapter{client: client, queueURL: queueURL}
}

var _ domain.QueueAdapter = (*Adapter)(nil)

// Receive long-polls up to maxReceiveBatch messages, attaching each
// message's approximate receive count per spec §4.1.
func (a *Adapter) Receive(ctx context.Context) ([]domain.QueueEnvelope, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "queue.Receive")
	defer span.End()

	out, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(a.queueURL),
		MaxNumberOfMessages:  maxReceiveBatch,
		WaitTimeSeconds:      5,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	envelopes := make([]domain.QueueEnvelope, 0, len(out.Messages))
	for _, m := range out.Messages {
		count := 1
		if raw, ok := m.Attributes[attrApproxReceiveCount]; ok {
			if parsed, err := strconv.Atoi(raw); err == nil {
				count = parsed
			}
		}
		envelopes = append(envelopes, domain.QueueEnvelope{
			Body:                    aws.ToString(m.Body),
			ReceiptHandle:           aws.ToString(m.ReceiptHandle),
			ApproximateReceiveCount: count,
		})
	}
	return envelopes, nil
}

// Delete acknowledges a message, removing it from the queue permanently.
func (a *Adapter) Delete(ctx context.Context, receiptHandle string) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "queue.Delete")
	defer span.End()

	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// DelayRequeue republishes body with a send-side delay, used when a request
// cannot be admitted yet (cooldown/block) per spec §4.6. The original
// delivery must still be deleted by the caller; DelayRequeue only enqueues
// the replacement.
func (a *Adapter) DelayRequeue(ctx context.Context, body string, delaySeconds int) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "queue.DelayRequeue")
	defer span.End()

	if delaySeconds > 900 {
		delaySeconds = 900 // SQS caps DelaySeconds at 15 minutes.
	}
	_, err := a.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(a.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: int32(delaySeconds),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Hide extends a message's visibility timeout in place, used to back off a
// single retry without re-enqueueing a duplicate body.
func (a *Adapter) Hide(ctx context.Context, receiptHandle string, seconds int) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "queue.Hide")
	defer span.End()

	_, err := a.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(a.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// ScheduleFuture rewrites body's scheduledFor field to scheduledForMillis
// and requeues it with the maximum send-side delay, clamped to SQS's
// 15-minute DelaySeconds ceiling; callers of the ingest loop must retry
// scheduling entries further out on each tick (spec §4.1/§4.6 step 6).
func (a *Adapter) ScheduleFuture(ctx context.Context, body string, scheduledForMillis int64) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "queue.ScheduleFuture")
	defer span.End()

	var req domain.WarmupRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return fmt.Errorf("queue: decoding body to reschedule: %w", err)
	}
	req.ScheduledFor = &scheduledForMillis

	rewritten, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: encoding rescheduled body: %w", err)
	}

	return a.DelayRequeue(ctx, string(rewritten), 900)
}

// TransientQueueError wraps a retryable SQS failure (throttling, request
// cancellation, 5xx).
type TransientQueueError struct{ cause error }

func (e *TransientQueueError) Error() string { return "queue: transient: " + e.cause.Error() }
func (e *TransientQueueError) Unwrap() error  { return e.cause }

// PermanentQueueError wraps a non-retryable SQS failure (4xx client error,
// e.g. malformed receipt handle or missing queue).
type PermanentQueueError struct{ cause error }

func (e *PermanentQueueError) Error() string { return "queue: permanent: " + e.cause.Error() }
func (e *PermanentQueueError) Unwrap() error  { return e.cause }

// classify sorts an SDK error into Transient or Permanent per spec §7,
// following the smithy APIError fault classification: server-side faults
// and throttling are retryable, client-side faults are not.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w", &TransientQueueError{cause: err})
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%w", &TransientQueueError{cause: err})
		}
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestThrottled", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w", &TransientQueueError{cause: err})
		}
		return fmt.Errorf("%w", &PermanentQueueError{cause: err})
	}

	return fmt.Errorf("%w", &TransientQueueError{cause: err})
}
