package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/model"
)

var _ Publisher = (*WSHub)(nil)

type recorder struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, _ string, e model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func confirmed() model.Event {
	return model.Event{
		Type:     model.EventBetConfirmed,
		MarketID: "m1",
		QuoteID:  "q1",
		Side:     "home",
		Stake:    decimal.NewFromInt(1),
		Odds:     decimal.NewFromFloat(1.9),
		At:       time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &recorder{}, &recorder{err: boom}

	err := Fanout{ok, bad}.Publish(context.Background(), "m1", confirmed())
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if ok.count() != 1 || bad.count() != 1 {
		t.Error("every publisher should receive the event")
	}
}

func TestAsync_DeliversAndFlushes(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 8)

	for i := 0; i < 5; i++ {
		a.Publish(context.Background(), "m1", confirmed())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.count() != 5 {
		t.Errorf("expected 5 events flushed, got %d", rec.count())
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, 2)

	for i := 0; i < 5; i++ {
		if err := a.Publish(context.Background(), "m1", confirmed()); err != nil {
			t.Fatalf("publish must not fail: %v", err)
		}
	}
	if len(a.queue) != 2 {
		t.Errorf("expected queue capped at 2, got %d", len(a.queue))
	}
}

func TestRedisPublisher_Channel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "market:m1")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := NewRedisPublisher(rdb).Publish(ctx, "m1", confirmed()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var e model.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if e.QuoteID != "q1" || e.Type != model.EventBetConfirmed {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message on market:m1")
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaPublisher_KeyedByMarket(t *testing.T) {
	w := &fakeWriter{}
	if err := NewKafkaPublisher(w).Publish(context.Background(), "m1", confirmed()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "m1" {
		t.Errorf("expected key m1, got %s", m.Key)
	}
	if len(m.Headers) != 1 || string(m.Headers[0].Value) != model.EventBetConfirmed {
		t.Errorf("unexpected headers %+v", m.Headers)
	}
}

func TestWSHub_Broadcast(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration is asynchronous; publish until the client sees a message.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make(chan model.Event, 1)
	go func() {
		var e model.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		hub.Publish(ctx, "m1", confirmed())
		select {
		case e := <-got:
			if e.QuoteID != "q1" {
				t.Errorf("unexpected event %+v", e)
			}
			return
		case <-deadline:
			t.Fatal("client never received an event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
