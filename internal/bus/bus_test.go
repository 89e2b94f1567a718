package bus

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"marketindex/pkg/types"
)

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func TestPublishReachesTopicSubscribers(t *testing.T) {
	t.Parallel()
	b := New(slog.Default())

	trades := b.Subscribe("trades.mkt-1")
	defer trades.Close()
	other := b.Subscribe("trades.mkt-2")
	defer other.Close()

	msg := types.TradeMessage{Type: "trade", MarketID: "mkt-1", TxHash: "0xabc"}
	if err := b.Publish("trades.mkt-1", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := recvOne(t, trades)
	if got.Topic != "trades.mkt-1" {
		t.Fatalf("topic %s", got.Topic)
	}
	var decoded types.TradeMessage
	if err := json.Unmarshal(got.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TxHash != "0xabc" {
		t.Fatalf("payload round trip: %+v", decoded)
	}

	select {
	case stray := <-other.C:
		t.Fatalf("message crossed topics: %+v", stray)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionSpansMultipleTopics(t *testing.T) {
	t.Parallel()
	b := New(slog.Default())
	sub := b.Subscribe("trades.mkt-1", "comments.mkt-1")
	defer sub.Close()

	b.Publish("trades.mkt-1", types.IndexedMessage{Type: "indexed", MarketID: "mkt-1"})
	b.Publish("comments.mkt-1", types.CommentMessage{Type: "comment", MarketID: "mkt-1"})

	seen := map[string]bool{}
	seen[recvOne(t, sub).Topic] = true
	seen[recvOne(t, sub).Topic] = true
	if !seen["trades.mkt-1"] || !seen["comments.mkt-1"] {
		t.Fatalf("topics seen: %v", seen)
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	t.Parallel()
	b := New(slog.Default())
	sub := b.Subscribe("trades.mkt-1")
	if n := b.Subscribers("trades.mkt-1"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}

	sub.Close()
	sub.Close() // idempotent

	if n := b.Subscribers("trades.mkt-1"); n != 0 {
		t.Fatalf("subscribers after close = %d", n)
	}
	if err := b.Publish("trades.mkt-1", "orphan"); err != nil {
		t.Fatalf("publish to empty topic: %v", err)
	}
	if _, open := <-sub.C; open {
		t.Fatal("channel should be closed")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := New(slog.Default())
	sub := b.Subscribe("trades.mkt-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish("trades.mkt-1", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if b.Dropped() == 0 {
		t.Fatal("overflow should be counted as drops")
	}
}
