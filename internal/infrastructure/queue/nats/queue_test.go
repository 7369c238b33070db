package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

func TestClassifyNATSErrorRetriesConnectionFailures(t *testing.T) {
	for _, err := range []error{nats.ErrTimeout, nats.ErrConnectionClosed, nats.ErrNoServers} {
		if !classifyNATSError(err).Retryable {
			t.Fatalf("expected %v to be retryable", err)
		}
	}
	if classifyNATSError(context.Canceled).RecordFailure {
		t.Fatalf("cancellation must not trip the breaker")
	}
	if classifyNATSError(errors.New("bad subject")).Retryable {
		t.Fatalf("unknown errors must not be retried")
	}
}

func TestConnectionErrorsAreTemporary(t *testing.T) {
	if err := resilience.WrapTemporary("nats respond", nats.ErrConnectionClosed, classifyNATSError); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	if err := resilience.WrapTemporary("nats respond", errors.New("bad subject"), classifyNATSError); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestHandleSkipsReplyWithoutInbox(t *testing.T) {
	r := newResponder(nil, "retrieval.search", "workers", Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	called := false
	r.handle(context.Background(), &nats.Msg{Subject: "retrieval.search", Data: []byte(`{}`)},
		func(ctx context.Context, data []byte) ([]byte, error) {
			called = true
			if _, ok := ctx.Deadline(); !ok {
				t.Fatalf("expected handler deadline")
			}
			return []byte(`{"results":[]}`), nil
		})
	if !called {
		t.Fatalf("expected handler to run")
	}
}

func TestRespondWithoutConnectionFails(t *testing.T) {
	r := newResponder(nil, "s", "g", Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := r.respond(context.Background(), &nats.Msg{Subject: "s", Reply: "_INBOX.1"}, []byte(`{}`))
	if err == nil {
		t.Fatalf("expected error for message without connection")
	}
}

func runTestServer(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestServeAnswersPendingRequestsOnShutdown(t *testing.T) {
	url := runTestServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	responder, err := NewResponder(url, "retrieval.search", "workers", Options{HandlerTimeout: 5 * time.Second, Logger: logger})
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	defer responder.Close()

	started := make(chan struct{}, 3)
	var handled atomic.Int32
	handler := func(ctx context.Context, data []byte) ([]byte, error) {
		started <- struct{}{}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return []byte("cancelled"), ctx.Err()
		}
		handled.Add(1)
		return append([]byte("ok:"), data...), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- responder.Serve(ctx, handler) }()

	client, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer client.Close()

	// Wait for the queue subscription to be registered on the server.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := client.Request("retrieval.search", []byte("warmup"), 500*time.Millisecond); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("responder never answered")
		}
		time.Sleep(20 * time.Millisecond)
	}
	<-started

	inbox := client.NewRespInbox()
	replies, err := client.SubscribeSync(inbox)
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := client.PublishRequest("retrieval.search", inbox, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish request: %v", err)
		}
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush client: %v", err)
	}

	<-started
	cancel()

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		msg, err := replies.NextMsg(3 * time.Second)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		got[string(msg.Data)] = true
	}
	for _, want := range []string{"ok:0", "ok:1", "ok:2"} {
		if !got[want] {
			t.Fatalf("missing reply %q, got %v", want, got)
		}
	}

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after drain")
	}
	if handled.Load() != 4 {
		t.Fatalf("expected every request handled to completion, got %d", handled.Load())
	}
}
