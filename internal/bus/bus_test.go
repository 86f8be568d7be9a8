package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nyzhi-com/nyzhi/pkg/models"
)

func recvWithTimeout(t *testing.T, sub *Subscription) models.AgentEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return event
}

func TestPublishSubscribeOrder(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()

	b.Publish(models.TextDeltaEvent("one"))
	b.Publish(models.TextDeltaEvent("two"))
	b.Publish(models.TextDeltaEvent("three"))

	for _, want := range []string{"one", "two", "three"} {
		got := recvWithTimeout(t, sub)
		if got.Type != models.EventTextDelta || got.Text != want {
			t.Fatalf("got %v %q, want text delta %q", got.Type, got.Text, want)
		}
	}
}

func TestSlowConsumerLagged(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(models.TextDeltaEvent("x"))
	}

	first := recvWithTimeout(t, sub)
	if first.Type != models.EventLagged {
		t.Fatalf("first event after overflow = %v, want lagged", first.Type)
	}
	if first.Dropped != 6 {
		t.Errorf("dropped = %d, want 6", first.Dropped)
	}

	// The surviving tail is still delivered.
	for i := 0; i < 4; i++ {
		got := recvWithTimeout(t, sub)
		if got.Type != models.EventTextDelta {
			t.Fatalf("event %d = %v, want text delta", i, got.Type)
		}
	}
}

func TestMultipleConsumersIndependent(t *testing.T) {
	b := New(8)
	fast := b.Subscribe()
	slow := b.Subscribe()

	b.Publish(models.TextDeltaEvent("a"))
	if got := recvWithTimeout(t, fast); got.Text != "a" {
		t.Fatalf("fast got %q", got.Text)
	}
	if got := recvWithTimeout(t, slow); got.Text != "a" {
		t.Fatalf("slow got %q", got.Text)
	}
}

func TestCloseDrainsThenErrClosed(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()
	b.Publish(models.TextDeltaEvent("last"))
	b.Close()

	got := recvWithTimeout(t, sub)
	if got.Text != "last" {
		t.Fatalf("got %q, want pending event before close error", got.Text)
	}
	_, err := sub.Recv(context.Background())
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRecvContextCancelled(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()
	sub.Unsubscribe()
	b.Publish(models.TextDeltaEvent("after"))

	if _, err := sub.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed after unsubscribe", err)
	}
}
