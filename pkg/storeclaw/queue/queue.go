// Package queue dedups inbound messages and runs them one at a time per
// sender. Different senders run concurrently; the same sender's messages
// are handled in the order they were enqueued.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Handler runs the reply pipeline for one message.
type Handler func(ctx context.Context, msg channels.InboundMessage) error

// Config holds queue settings.
type Config struct {
	// DedupWindow is how long an identical (sender, text) pair is dropped.
	// Default: 30s.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{DedupWindow: 30 * time.Second}
}

// Result describes what Enqueue did with a message.
type Result struct {
	// Duplicate is true when the message was dropped by the dedup window.
	Duplicate bool
}

// Queue is the processing queue of one tenant.
type Queue struct {
	dedup   Dedup
	window  time.Duration
	lanes   *lanes
	handler Handler
	logger  *slog.Logger
}

// New creates a queue that runs handler for every accepted message.
func New(dedup Dedup, cfg Config, handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultConfig().DedupWindow
	}
	return &Queue{
		dedup:   dedup,
		window:  cfg.DedupWindow,
		lanes:   newLanes(),
		handler: handler,
		logger:  logger.With("component", "queue"),
	}
}

// Enqueue returns once msg has been dropped as a duplicate or fully
// processed. The handler's error is returned as is.
func (q *Queue) Enqueue(ctx context.Context, msg channels.InboundMessage) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	q.Submit(ctx, msg, func(res Result, err error) {
		done <- outcome{res, err}
	})
	o := <-done
	return o.res, o.err
}

// Submit runs the dedup check and takes msg's place in its sender lane
// before returning; processing then continues in the background. Callers
// that receive messages in order keep that order by calling Submit from a
// single goroutine. done, if not nil, gets the outcome.
func (q *Queue) Submit(ctx context.Context, msg channels.InboundMessage, done func(Result, error)) {
	if done == nil {
		done = func(Result, error) {}
	}
	logger := q.logger.With("correlation_id", msg.ID, "tenant", msg.TenantID, "sender", msg.SenderID)

	key := msg.TenantID + ":" + DedupKey(msg.SenderID, msg.Text)
	seen, err := q.dedup.Seen(ctx, key, q.window)
	if err != nil {
		// An unavailable dedup store must not stop replies.
		logger.Warn("dedup check failed, processing anyway", "error", err)
	}
	if seen {
		logger.Info("duplicate message dropped")
		done(Result{Duplicate: true}, nil)
		return
	}

	pos := q.lanes.join(msg.SenderKey())
	go func() {
		if err := pos.wait(ctx); err != nil {
			done(Result{}, fmt.Errorf("waiting for sender lane: %w", err))
			return
		}
		err := func() error {
			defer pos.release()
			return q.run(ctx, msg, logger)
		}()
		done(Result{}, err)
	}()
}

func (q *Queue) run(ctx context.Context, msg channels.InboundMessage, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panic", "panic", r)
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	start := time.Now()
	err = q.handler(ctx, msg)
	logger.Debug("message processed", "duration", time.Since(start), "error", err)
	return err
}

// Busy reports whether a sender has a message in flight or waiting.
func (q *Queue) Busy(senderKey string) bool {
	return q.lanes.busy(senderKey)
}

// ActiveLanes returns the number of senders with work in progress.
func (q *Queue) ActiveLanes() int {
	return q.lanes.size()
}
