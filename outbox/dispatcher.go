package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Sink delivers one message to an external system.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// queue is the slice of the store the dispatcher drives.
type queue interface {
	Claim(ctx context.Context, params ClaimParams) ([]Message, error)
	MarkSent(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, deliveryErr string, nextAttempt *time.Time) error
}

// Dispatcher drains the outbox, routing each message to the sink registered
// for its topic family (the segment before the first dot: "mail.funding.receipt"
// goes to the "mail" sink).
type Dispatcher struct {
	store  queue
	logger *logrus.Logger
	id     string
	sinks  map[string]Sink

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewDispatcher(store *Store, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		store:          store,
		logger:         logger,
		id:             uuid.NewString(),
		sinks:          map[string]Sink{},
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

// Route registers the sink for one topic family.
func (d *Dispatcher) Route(family string, sink Sink) *Dispatcher {
	d.sinks[family] = sink
	return d
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and delivers it. It returns the number of
// messages handled, so callers can drain in a loop.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	claimed, err := d.store.Claim(ctx, ClaimParams{
		BatchSize:    d.BatchSize,
		LockTimeout:  d.LockTimeout,
		MaxAttempts:  d.MaxAttempts,
		DispatcherID: d.id,
	})
	if err != nil {
		d.logger.WithError(err).Error("outbox claim failed")
		return 0
	}

	for _, msg := range claimed {
		d.deliver(ctx, msg)
	}
	return len(claimed)
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	sink, ok := d.sinks[topicFamily(msg.Topic)]
	if !ok {
		// A topic nobody consumes is dropped, not retried forever.
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"topic":      msg.Topic,
		}).Warn("no sink for topic family, dropping message")
		if err := d.store.MarkSent(ctx, msg.ID); err != nil {
			d.logger.WithError(err).Error("outbox mark sent failed")
		}
		return
	}

	if err := sink.Deliver(ctx, msg); err != nil {
		var next *time.Time
		if d.MaxAttempts <= 0 || msg.Attempts < d.MaxAttempts {
			t := time.Now().UTC().Add(d.backoff(msg.Attempts))
			next = &t
		}
		if failErr := d.store.Fail(ctx, msg.ID, err.Error(), next); failErr != nil {
			d.logger.WithError(failErr).Error("outbox mark failed errored")
		}
		entry := d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"topic":      msg.Topic,
			"attempt":    msg.Attempts,
		})
		if next == nil {
			entry.WithError(err).Error("outbox delivery moved to dead after max attempts")
		} else {
			entry.WithField("next_attempt_at", next.Format(time.RFC3339)).WithError(err).Warn("outbox delivery failed, will retry")
		}
		return
	}

	if err := d.store.MarkSent(ctx, msg.ID); err != nil {
		d.logger.WithError(err).Error("outbox mark sent failed")
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		b *= 2
		if b > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return b
}

func topicFamily(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
