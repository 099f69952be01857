package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// collect subscribes to topic and forwards every delivered message.
func collect(t *testing.T, b domain.EventBus, topic string) (<-chan *domain.Message, domain.Subscription) {
	t.Helper()
	ch := make(chan *domain.Message, 64)
	sub, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe to %s failed: %v", topic, err)
	}
	return ch, sub
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func expectSilence(t *testing.T, ch <-chan *domain.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Errorf("unexpected message on %s: %s", msg.Topic, msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBus(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	t.Run("PredictionEvent", func(t *testing.T) {
		ch, sub := collect(t, b, domain.TopicPredictionCompleted)
		defer sub.Unsubscribe()

		event := domain.PredictionEvent{
			ID:     "pred-001",
			UserID: "agent-7",
			Result: domain.PredictionResult{Probability: 0.72, RiskLevel: domain.RiskHigh},
			Source: domain.SourceHeuristic,
		}
		payload, _ := json.Marshal(event)
		if err := b.Publish(ctx, domain.TopicPredictionCompleted, payload); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg := receive(t, ch)
		if msg.ID == "" || msg.Topic != domain.TopicPredictionCompleted {
			t.Errorf("unexpected envelope: id=%q topic=%q", msg.ID, msg.Topic)
		}
		var got domain.PredictionEvent
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if got.ID != event.ID || got.Result.RiskLevel != domain.RiskHigh {
			t.Errorf("expected %+v, got %+v", event, got)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		completed, s1 := collect(t, b, domain.TopicPredictionCompleted)
		fallback, s2 := collect(t, b, domain.TopicPredictionFallback)
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		b.Publish(ctx, domain.TopicPredictionFallback, []byte(`{"id":"pred-002"}`))

		receive(t, fallback)
		expectSilence(t, completed)
	})

	t.Run("OrderPerSubscriber", func(t *testing.T) {
		ch, sub := collect(t, b, "order.topic")
		defer sub.Unsubscribe()

		for i := range 20 {
			b.Publish(ctx, "order.topic", []byte(fmt.Sprint(i)))
		}
		for i := range 20 {
			if got := string(receive(t, ch).Payload); got != fmt.Sprint(i) {
				t.Fatalf("expected message %d, got %s", i, got)
			}
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		recorder, s1 := collect(t, b, domain.TopicAuthStateChanged)
		audit, s2 := collect(t, b, domain.TopicAuthStateChanged)
		defer s1.Unsubscribe()
		defer s2.Unsubscribe()

		b.Publish(ctx, domain.TopicAuthStateChanged, []byte(`{"event":"SIGNED_OUT"}`))

		receive(t, recorder)
		receive(t, audit)
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		ch, sub := collect(t, b, "unsub.topic")
		if sub.Topic() != "unsub.topic" {
			t.Errorf("expected topic unsub.topic, got %s", sub.Topic())
		}

		b.Publish(ctx, "unsub.topic", []byte("first"))
		receive(t, ch)

		sub.Unsubscribe()
		b.Publish(ctx, "unsub.topic", []byte("second"))
		expectSilence(t, ch)
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {
		seen := make(chan string, 2)
		sub, _ := b.Subscribe(ctx, "flaky.topic", func(ctx context.Context, msg *domain.Message) error {
			seen <- string(msg.Payload)
			return errors.New("repository unavailable")
		})
		defer sub.Unsubscribe()

		b.Publish(ctx, "flaky.topic", []byte("a"))
		b.Publish(ctx, "flaky.topic", []byte("b"))
		for _, want := range []string{"a", "b"} {
			select {
			case got := <-seen:
				if got != want {
					t.Errorf("expected %s, got %s", want, got)
				}
			case <-time.After(time.Second):
				t.Fatalf("timeout waiting for %s", want)
			}
		}
	})

	t.Run("Request", func(t *testing.T) {
		sub, _ := b.Subscribe(ctx, "seenpredyct.echo", func(ctx context.Context, msg *domain.Message) error {
			return b.Publish(ctx, msg.Metadata[ReplyToKey], append([]byte("re:"), msg.Payload...))
		})
		defer sub.Unsubscribe()

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		reply, err := b.Request(reqCtx, "seenpredyct.echo", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "re:ping" {
			t.Errorf("expected re:ping, got %q", reply)
		}
	})

	t.Run("RequestWithoutResponder", func(t *testing.T) {
		reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := b.Request(reqCtx, "nobody.home", nil); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := b.Publish(ctx, "", []byte("data")); !errors.Is(err, ErrTopicRequired) {
			t.Errorf("expected ErrTopicRequired from Publish, got %v", err)
		}
		_, err := b.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error { return nil })
		if !errors.Is(err, ErrTopicRequired) {
			t.Errorf("expected ErrTopicRequired from Subscribe, got %v", err)
		}
		if err := b.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
}

func TestChannelBusFullBuffer(t *testing.T) {
	b := NewChannelBus(1)
	defer b.Close()
	ctx := context.Background()

	release := make(chan struct{})
	handled := make(chan struct{}, 10)
	b.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		handled <- struct{}{}
		return nil
	})

	done := make(chan struct{})
	go func() {
		for range 10 {
			b.Publish(ctx, "slow.topic", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)

	// One message in flight plus one buffered; the rest were dropped.
	count := 0
	for {
		select {
		case <-handled:
			count++
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if count < 1 || count > 2 {
		t.Errorf("expected 1 or 2 delivered messages, got %d", count)
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()
	collect(t, b, domain.TopicPredictionCompleted)

	if err := b.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := b.Publish(ctx, domain.TopicPredictionCompleted, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Publish, got %v", err)
	}
	if _, err := b.Subscribe(ctx, domain.TopicPredictionCompleted, func(ctx context.Context, msg *domain.Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Subscribe, got %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Ping, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewMessage(t *testing.T) {
	md := map[string]string{ReplyToKey: "seenpredyct.reply"}
	msg := newMessage(domain.TopicAuthStateChanged, []byte(`{"event":"SIGNED_IN"}`), md)

	if msg.ID == "" || msg.Timestamp == 0 {
		t.Errorf("expected id and timestamp, got %+v", msg)
	}
	if msg.Topic != domain.TopicAuthStateChanged {
		t.Errorf("expected topic %s, got %s", domain.TopicAuthStateChanged, msg.Topic)
	}

	md[ReplyToKey] = "changed"
	if msg.Metadata[ReplyToKey] != "seenpredyct.reply" {
		t.Error("expected metadata to be copied")
	}
	if empty := newMessage("t", nil, nil); empty.Metadata == nil {
		t.Error("expected non-nil metadata")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.EventBusConfig
		wantErr bool
	}{
		{"Channel", domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50}, false},
		{"Kafka", domain.EventBusConfig{Type: "kafka"}, true},
		{"Empty", domain.EventBusConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error for unsupported type")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer b.Close()
			if _, ok := b.(*ChannelBus); !ok {
				t.Errorf("expected *ChannelBus, got %T", b)
			}
		})
	}
}
