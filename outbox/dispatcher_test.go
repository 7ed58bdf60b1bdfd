package outbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDispatcher(store queue) *Dispatcher {
	d := NewDispatcher(nil, testLogger())
	d.store = store
	return d
}

func TestDispatchOnce_RoutesByFamily(t *testing.T) {
	store := &fakeQueue{claimable: []Message{
		{ID: "m1", Topic: "mail.funding.receipt", Attempts: 1},
		{ID: "m2", Topic: "crm.contact.upsert", Attempts: 1},
	}}
	mail := &fakeSink{}
	crm := &fakeSink{}

	d := testDispatcher(store).Route("mail", mail).Route("crm", crm)

	if n := d.DispatchOnce(context.Background()); n != 2 {
		t.Fatalf("expected 2 handled, got %d", n)
	}
	if len(mail.topics) != 1 || mail.topics[0] != "mail.funding.receipt" {
		t.Errorf("mail sink got %v", mail.topics)
	}
	if len(crm.topics) != 1 || crm.topics[0] != "crm.contact.upsert" {
		t.Errorf("crm sink got %v", crm.topics)
	}
	if len(store.sent) != 2 {
		t.Errorf("expected both marked sent, got %v", store.sent)
	}
}

func TestDispatchOnce_DropsUnknownFamily(t *testing.T) {
	store := &fakeQueue{claimable: []Message{
		{ID: "m1", Topic: "books.payment.recorded", Attempts: 1},
	}}
	d := testDispatcher(store)

	d.DispatchOnce(context.Background())

	if len(store.sent) != 1 || store.sent[0] != "m1" {
		t.Errorf("expected unroutable message marked sent, got %v", store.sent)
	}
	if len(store.failed) != 0 {
		t.Errorf("expected no failure for unroutable message")
	}
}

func TestDispatchOnce_RetriesWithBackoff(t *testing.T) {
	store := &fakeQueue{claimable: []Message{
		{ID: "m1", Topic: "mail.funding.receipt", Attempts: 1},
	}}
	mail := &fakeSink{err: errors.New("smtp unavailable")}
	d := testDispatcher(store).Route("mail", mail)

	d.DispatchOnce(context.Background())

	if len(store.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(store.failed))
	}
	if store.failed[0].next == nil {
		t.Errorf("expected retry time for first failure")
	}
	if len(store.sent) != 0 {
		t.Errorf("expected no sent marks")
	}
}

func TestDispatchOnce_DeadAfterMaxAttempts(t *testing.T) {
	store := &fakeQueue{claimable: []Message{
		{ID: "m1", Topic: "mail.funding.receipt", Attempts: 20},
	}}
	mail := &fakeSink{err: errors.New("smtp unavailable")}
	d := testDispatcher(store).Route("mail", mail)
	d.MaxAttempts = 20

	d.DispatchOnce(context.Background())

	if len(store.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(store.failed))
	}
	if store.failed[0].next != nil {
		t.Errorf("expected terminal failure, got retry at %v", store.failed[0].next)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	d := NewDispatcher(nil, testLogger())

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := d.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestTopicFamily(t *testing.T) {
	cases := map[string]string{
		"mail.funding.receipt":        "mail",
		"payments.transfer.requested": "payments",
		"ping":                        "ping",
	}
	for topic, want := range cases {
		if got := topicFamily(topic); got != want {
			t.Errorf("topicFamily(%q) = %q, want %q", topic, got, want)
		}
	}
}

type fakeSink struct {
	err    error
	topics []string
}

func (f *fakeSink) Deliver(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, msg.Topic)
	return nil
}

type failure struct {
	id   string
	next *time.Time
}

type fakeQueue struct {
	claimable []Message
	claimErr  error
	sent      []string
	failed    []failure
}

func (f *fakeQueue) Claim(ctx context.Context, params ClaimParams) ([]Message, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.claimable
	f.claimable = nil
	return out, nil
}

func (f *fakeQueue) MarkSent(ctx context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, id string, deliveryErr string, nextAttempt *time.Time) error {
	f.failed = append(f.failed, failure{id: id, next: nextAttempt})
	return nil
}
