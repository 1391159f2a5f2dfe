// Package replay implements AuditReplayWorker: a NATS consumer that retries
// chain audit writes which failed after their paired vector-store write
// already committed, with retry-count tracking and a dead-letter queue for
// writes that exhaust their retries.
package replay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/kinic-gateway/memory-agent/engine/chainlog"
	"github.com/kinic-gateway/memory-agent/pkg/natsutil"
)

// Subject is where pending chain writes are published for replay.
const Subject = "gateway.chainlog.failed"

// DLQSubject receives writes that exhaust MaxRetries.
const DLQSubject = "gateway.chainlog.failed.dlq"

// MaxRetries before a pending write is sent to the DLQ.
const MaxRetries = 5

// RetryHeader carries the retry count across republish cycles.
const RetryHeader = "X-Retry-Count"

// PendingWrite is the wire message a failed chain audit write is published
// as. It intentionally mirrors pipeline.FailurePublisher's arguments rather
// than importing pipeline's type, keeping producer and consumer decoupled
// across the NATS boundary.
type PendingWrite struct {
	OpType      uint8  `json:"op_type"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	TagsString  string `json:"tags_string"`
	Fingerprint string `json:"fingerprint"` // hex-encoded [32]byte
}

// dlqMessage is published to DLQSubject on repeated failure.
type dlqMessage struct {
	Write   PendingWrite `json:"write"`
	Error   string       `json:"error"`
	Retries int          `json:"retries"`
}

// Writer is the narrow chain-log view the worker needs to retry a write.
type Writer interface {
	WriteLog(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) (chainlog.TxOutcome, error)
}

// Worker retries pending chain writes published to Subject.
type Worker struct {
	nc     *nats.Conn
	writer Writer
	log    *slog.Logger
}

// New constructs a Worker.
func New(nc *nats.Conn, writer Writer, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{nc: nc, writer: writer, log: log}
}

// Start subscribes to Subject and begins retrying pending writes.
func (w *Worker) Start() (*nats.Subscription, error) {
	return w.nc.Subscribe(Subject, w.handle)
}

func (w *Worker) handle(msg *nats.Msg) {
	pw, err := decodeMessage(msg.Data)
	if err != nil {
		w.log.Error("replay: unmarshal failed", "error", err)
		return
	}

	fp, err := decodeFingerprint(pw.Fingerprint)
	if err != nil {
		w.log.Error("replay: malformed fingerprint", "error", err)
		return
	}

	retries := retryCount(msg)
	ctx := context.Background()

	_, err = w.writer.WriteLog(ctx, pw.OpType, pw.Title, pw.Summary, pw.TagsString, fp)
	if err == nil {
		w.log.Info("replay: chain write succeeded", "title", pw.Title, "retries", retries)
		ackIfReply(msg)
		return
	}
	w.onWriteFailed(ctx, msg, pw, retries, err)
}

func (w *Worker) onWriteFailed(ctx context.Context, msg *nats.Msg, pw PendingWrite, retries int, err error) {
	retries++
	w.log.Warn("replay: chain write failed", "error", err, "retries", retries, "title", pw.Title)

	if retries >= MaxRetries {
		dlq := dlqMessage{Write: pw, Error: err.Error(), Retries: retries}
		if pubErr := natsutil.Publish(ctx, w.nc, DLQSubject, dlq); pubErr != nil {
			w.log.Error("replay: DLQ publish failed", "error", pubErr)
		}
	} else {
		retryMsg := nats.NewMsg(Subject)
		retryMsg.Data = msg.Data
		retryMsg.Header = nats.Header{}
		retryMsg.Header.Set(RetryHeader, fmt.Sprintf("%d", retries))
		if pubErr := w.nc.PublishMsg(retryMsg); pubErr != nil {
			w.log.Error("replay: retry publish failed", "error", pubErr)
		}
	}

	ackIfReply(msg)
}

func ackIfReply(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	v := msg.Header.Get(RetryHeader)
	if v == "" {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

func decodeMessage(data []byte) (PendingWrite, error) {
	var pw PendingWrite
	err := json.Unmarshal(data, &pw)
	return pw, err
}

func decodeFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return fp, fmt.Errorf("replay: fingerprint must be 32 hex-encoded bytes")
	}
	copy(fp[:], b)
	return fp, nil
}

// Publisher adapts a *nats.Conn into pipeline.FailurePublisher without the
// pipeline package needing to import NATS at all.
type Publisher struct {
	nc *nats.Conn
}

// NewPublisher wraps nc as a pipeline.FailurePublisher.
func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// PublishFailedWrite implements pipeline.FailurePublisher.
func (p *Publisher) PublishFailedWrite(ctx context.Context, opType uint8, title, summary, tagsString string, fingerprint [32]byte) error {
	pw := PendingWrite{
		OpType:      opType,
		Title:       title,
		Summary:     summary,
		TagsString:  tagsString,
		Fingerprint: hex.EncodeToString(fingerprint[:]),
	}
	return natsutil.Publish(ctx, p.nc, Subject, pw)
}
