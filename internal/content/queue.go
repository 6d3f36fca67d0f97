package content

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/klauspost/compress/zstd"

	"messaging/internal/types"
)

// Message attribute names set on every published message.
const (
	AttrContentType     = "ContentType"
	AttrContentEncoding = "Content-Encoding"

	// EncodingZstdBase64 marks a body that was zstd-compressed and then
	// base64-encoded to stay within SQS's character set.
	EncodingZstdBase64 = "zstd+base64"
)

// SQSClient abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// QueueConfig holds the settings for a QueueSender.
type QueueConfig struct {
	QueueURL string
	// FIFO sets MessageGroupId (per instance) and MessageDeduplicationId.
	FIFO bool
	// CompressThreshold is the JSON body size in bytes above which the body is
	// compressed. Zero disables compression.
	CompressThreshold int
	Logger            *slog.Logger
}

// QueueSender publishes messages as JSON to the outbound gateway's SQS queue.
type QueueSender struct {
	client  SQSClient
	cfg     QueueConfig
	encoder *zstd.Encoder
	logger  *slog.Logger
}

var _ Sender = (*QueueSender)(nil)

// NewQueueSender creates a QueueSender.
func NewQueueSender(client SQSClient, cfg QueueConfig) (*QueueSender, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("queue sender: failed to create zstd encoder: %w", err)
	}
	return &QueueSender{client: client, cfg: cfg, encoder: enc, logger: logger}, nil
}

// Send serializes msg and publishes it. Failures are returned as
// upstream_dispatch_failed AppErrors.
func (q *QueueSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal message", err)
	}

	attrs := map[string]sqstypes.MessageAttributeValue{
		AttrContentType: {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(msg.ContentType)),
		},
	}

	payload := string(body)
	compressed := q.cfg.CompressThreshold > 0 && len(body) > q.cfg.CompressThreshold
	if compressed {
		payload = base64.StdEncoding.EncodeToString(q.encoder.EncodeAll(body, nil))
		attrs[AttrContentEncoding] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(EncodingZstdBase64),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		MessageBody:       aws.String(payload),
		MessageAttributes: attrs,
	}
	if q.cfg.FIFO {
		input.MessageGroupId = aws.String(msg.InstanceID)
		input.MessageDeduplicationId = aws.String(dedupID(msg.DedupKey))
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamDispatch,
			"failed to publish message", err,
			map[string]any{"instance_id": msg.InstanceID, "dedup_key": msg.DedupKey})
	}

	q.logger.DebugContext(ctx, "message published",
		"instance_id", msg.InstanceID,
		"schedule_id", msg.ScheduleID,
		"content_type", string(msg.ContentType),
		"recipient_id", msg.RecipientID,
		"compressed", compressed,
	)
	return nil
}

// DecodeBody reverses the encoding applied by Send, given the body and the
// Content-Encoding attribute value ("" when uncompressed).
func DecodeBody(body, encoding string) (Message, error) {
	raw := []byte(body)
	if encoding == EncodingZstdBase64 {
		compressed, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return Message{}, fmt.Errorf("decode base64 body: %w", err)
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return Message{}, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(compressed, nil)
		if err != nil {
			return Message{}, fmt.Errorf("decompress body: %w", err)
		}
	} else if encoding != "" {
		return Message{}, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal body: %w", err)
	}
	return msg, nil
}

// dedupID hashes the dedup key so it always fits SQS's 128 character limit.
func dedupID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
