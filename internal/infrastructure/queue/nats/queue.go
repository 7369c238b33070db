package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

const drainPollInterval = 10 * time.Millisecond

// Handler answers one request payload. The returned reply is sent even when
// err is non-nil; err only feeds logging and metrics.
type Handler func(ctx context.Context, data []byte) ([]byte, error)

// Responder answers request-reply messages on a subject as part of a queue group.
type Responder struct {
	conn     *nats.Conn
	subject  string
	group    string
	timeout  time.Duration
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	HandlerTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func NewResponder(url, subject, group string, options Options) (*Responder, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.Name
	if name == "" {
		name = "hybrid-retrieval-worker"
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newResponder(conn, subject, group, options, logger), nil
}

func newResponder(conn *nats.Conn, subject, group string, options Options, logger *slog.Logger) *Responder {
	timeout := options.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Responder{
		conn:     conn,
		subject:  subject,
		group:    group,
		timeout:  timeout,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}
}

func (r *Responder) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}

// Serve subscribes and blocks until ctx is done. It then drains the
// subscription: messages already delivered are still answered and in-flight
// handlers run to completion under their own timeout.
func (r *Responder) Serve(ctx context.Context, handler Handler) error {
	base := context.WithoutCancel(ctx)
	sub, err := r.conn.QueueSubscribe(r.subject, r.group, func(msg *nats.Msg) {
		r.handle(base, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := r.waitDrained(sub); err != nil {
		return err
	}
	if err := r.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// waitDrained blocks until the drained subscription has handled its pending
// messages, bounded by the handler timeout plus the connection drain timeout.
func (r *Responder) waitDrained(sub *nats.Subscription) error {
	deadline := time.Now().Add(r.timeout + r.conn.Opts.DrainTimeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return fmt.Errorf("nats drain subscription: %w", nats.ErrDrainTimeout)
		}
		<-ticker.C
	}
	return nil
}

func (r *Responder) handle(ctx context.Context, msg *nats.Msg, handler Handler) {
	handlerCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := handler(handlerCtx, msg.Data)
	if err != nil {
		r.logger.WarnContext(ctx, "nats_request_failed", "subject", msg.Subject, "error", err)
	}
	if msg.Reply == "" {
		return
	}
	if err := r.respond(handlerCtx, msg, reply); err != nil {
		r.logger.ErrorContext(ctx, "nats_respond_failed", "subject", msg.Subject, "error", err)
	}
}

func (r *Responder) respond(ctx context.Context, msg *nats.Msg, reply []byte) error {
	call := func(_ context.Context) error {
		if err := msg.Respond(reply); err != nil {
			return fmt.Errorf("nats respond: %w", err)
		}
		return nil
	}

	var err error
	if r.executor != nil {
		err = r.executor.Execute(ctx, "nats.respond", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return resilience.WrapTemporary("nats respond", err, classifyNATSError)
}
