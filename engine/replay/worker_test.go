package replay

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/kinic-gateway/memory-agent/engine/chainlog"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type fakeWriter struct {
	mu      sync.Mutex
	calls   int
	failFor int // fails for this many calls before succeeding
	outcome chainlog.TxOutcome
}

func (f *fakeWriter) WriteLog(_ context.Context, _ uint8, _, _, _ string, _ [32]byte) (chainlog.TxOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return chainlog.TxOutcome{}, errWriteFailed
	}
	return f.outcome, nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errWriteFailed = sentinelErr("chain write failed")

func TestPublisherPublishFailedWrite(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe(Subject, ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	fp := [32]byte{1, 2, 3}
	if err := pub.PublishFailedWrite(context.Background(), 0, "title", "summary", "tags", fp); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-ch:
		pw, err := decodeMessage(msg.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if pw.Title != "title" || pw.Fingerprint != hex.EncodeToString(fp[:]) {
			t.Errorf("unexpected pending write: %+v", pw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for published message")
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	nc := startTestNATS(t)
	writer := &fakeWriter{failFor: 1, outcome: chainlog.TxOutcome{TxHash: "0xreplayed", ID: 9}}
	w := New(nc, writer, slog.Default())

	sub, err := w.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	if err := pub.PublishFailedWrite(context.Background(), 0, "t", "s", "tags", [32]byte{9}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		writer.mu.Lock()
		calls := writer.calls
		writer.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker did not retry to success in time, calls=%d", calls)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWorkerSendsToDLQAfterMaxRetries(t *testing.T) {
	nc := startTestNATS(t)
	writer := &fakeWriter{failFor: 1000}
	w := New(nc, writer, slog.Default())

	dlqCh := make(chan *nats.Msg, 1)
	dlqSub, err := nc.ChanSubscribe(DLQSubject, dlqCh)
	if err != nil {
		t.Fatal(err)
	}
	defer dlqSub.Unsubscribe()

	sub, err := w.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	pub := NewPublisher(nc)
	if err := pub.PublishFailedWrite(context.Background(), 0, "t", "s", "tags", [32]byte{1}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-dlqCh:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a DLQ message after exhausting retries")
	}
}

func TestDecodeFingerprintRejectsWrongLength(t *testing.T) {
	if _, err := decodeFingerprint("abcd"); err == nil {
		t.Fatal("expected error for short fingerprint")
	}
}
