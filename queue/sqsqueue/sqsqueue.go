// Package sqsqueue implements queue.Backend over Amazon SQS, so a Combine
// backend can fuse a local Stream queue with a managed cloud queue using
// the same generic contract.
package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/oriys/drainqueue/queue"
)

// maxWaitTimeSeconds is SQS's own ceiling on ReceiveMessage's long-poll
// wait; any requested timeout beyond this is clamped.
const maxWaitTimeSeconds = 20

// maxBatchSize is SQS's ceiling on messages returned by one ReceiveMessage
// call and on entries in one DeleteMessageBatch call.
const maxBatchSize = 10

// receiveCountAttribute is the SQS message system attribute reporting how
// many times a message has been delivered without being deleted; it plays
// the role the Stream backend's XPENDING retry count plays.
const receiveCountAttribute = "ApproximateReceiveCount"

// Backend is a queue.Backend over a single SQS queue.
type Backend[I queue.Item] struct {
	client   *sqs.Client
	queueURL string
	decode   queue.Decoder[I]
}

// New loads the default AWS config (environment, shared config, or
// instance role, per the SDK's usual resolution chain) and returns a
// Backend bound to queueURL.
func New[I queue.Item](ctx context.Context, queueURL string, decode queue.Decoder[I]) (*Backend[I], error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, queue.ConnectionError(fmt.Errorf("load aws config: %w", err))
	}

	return &Backend[I]{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		decode:   decode,
	}, nil
}

// Clone returns a Backend sharing the same client and queue; the SQS
// client is already safe for concurrent use.
func (b *Backend[I]) Clone() *Backend[I] {
	clone := *b
	return &clone
}

func (b *Backend[I]) Enqueue(ctx context.Context, item I) error {
	body, err := encodeFields(item.Fields())
	if err != nil {
		return queue.BrokerError(fmt.Errorf("encode item: %w", err))
	}

	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return queue.BrokerError(fmt.Errorf("send message: %w", err))
	}
	return nil
}

func (b *Backend[I]) Dequeue(ctx context.Context, n int, timeout time.Duration) ([]I, error) {
	if n > maxBatchSize {
		n = maxBatchSize
	}

	waitSeconds := int32(0)
	if timeout > 0 {
		waitSeconds = int32(timeout / time.Second)
		if waitSeconds > maxWaitTimeSeconds {
			waitSeconds = maxWaitTimeSeconds
		}
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(b.queueURL),
		MaxNumberOfMessages:   int32(n),
		WaitTimeSeconds:       waitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, queue.BrokerError(fmt.Errorf("receive message: %w", err))
	}

	items := make([]I, 0, len(out.Messages))
	for _, msg := range out.Messages {
		if msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}
		fields, err := decodeFields(*msg.Body)
		if err != nil {
			return nil, queue.ParseError(*msg.ReceiptHandle, err)
		}
		item, ok := b.decode(*msg.ReceiptHandle, fields)
		if !ok {
			return nil, queue.ParseError(*msg.ReceiptHandle, fmt.Errorf("decode failed"))
		}
		items = append(items, item)
	}
	return items, nil
}

func (b *Backend[I]) Ack(ctx context.Context, items []I) error {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(items))
	for i, item := range items {
		receiptHandle, ok := item.DeliveryID()
		if !ok {
			continue
		}
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(receiptHandle),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	for start := 0; start < len(entries); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		_, err := b.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(b.queueURL),
			Entries:  entries[start:end],
		})
		if err != nil {
			return queue.BrokerError(fmt.Errorf("delete message batch: %w", err))
		}
	}
	return nil
}

// DropItems has no visibility into idle time the way Redis's XPENDING
// does: SQS only reports delivery count, not time-since-last-delivery.
// This sweep receives a batch, dead-letters entries whose receive count
// already meets MaxDeliveries, and releases the rest immediately by
// resetting their visibility timeout to zero so they are not left
// artificially invisible until the sweep's own receive lock expires.
func (b *Backend[I]) DropItems(ctx context.Context, opts queue.DropOptions) ([]queue.DroppedItem, error) {
	n := int32(opts.Count)
	if n <= 0 || n > maxBatchSize {
		n = maxBatchSize
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: n,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, queue.BrokerError(fmt.Errorf("receive message for drop sweep: %w", err))
	}

	var dropped []queue.DroppedItem
	var deleteEntries []types.DeleteMessageBatchRequestEntry
	for i, msg := range out.Messages {
		if msg.ReceiptHandle == nil {
			continue
		}

		receiveCount := uint64(0)
		if raw, ok := msg.Attributes[receiveCountAttribute]; ok {
			if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil {
				receiveCount = parsed
			}
		}

		if receiveCount >= opts.MaxDeliveries {
			id := ""
			if msg.MessageId != nil {
				id = *msg.MessageId
			}
			dropped = append(dropped, queue.DroppedItem{
				ID:         id,
				Idle:       0,
				Deliveries: receiveCount,
			})
			deleteEntries = append(deleteEntries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: msg.ReceiptHandle,
			})
			continue
		}

		_, _ = b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(b.queueURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	}

	if len(deleteEntries) > 0 {
		if _, err := b.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(b.queueURL),
			Entries:  deleteEntries,
		}); err != nil {
			return nil, queue.BrokerError(fmt.Errorf("delete dead-lettered messages: %w", err))
		}
	}

	return dropped, nil
}

func encodeFields(fields []queue.Field) (string, error) {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeFields(body string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	return m, nil
}
