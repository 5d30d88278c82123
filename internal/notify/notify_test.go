package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Message
	fail bool
}

func (r *recordingNotifier) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	if r.fail {
		return errors.New("broker down")
	}
	return nil
}

func TestDispatcherDelivers(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 0)
	d.Send(Message{Kind: RefundProcessed, TransactionUUID: "t-1"})
	d.Send(Message{Kind: PaymentReceived, SubscriptionUUID: "s-1"})
	d.Wait()

	if len(rec.got) != 2 {
		t.Fatalf("delivered %d messages", len(rec.got))
	}
	for _, m := range rec.got {
		if m.OccurredAt.IsZero() {
			t.Errorf("%s has no timestamp", m.Kind)
		}
	}
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	rec := &recordingNotifier{fail: true}
	d := NewDispatcher(rec, 0)
	d.Send(Message{Kind: SubscriptionSuspended})
	d.Wait()
	if len(rec.got) != 1 {
		t.Fatalf("attempts = %d", len(rec.got))
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(AccountingInconsistency); got != "billing.accounting_inconsistency" {
		t.Fatalf("RoutingKey = %q", got)
	}
}
