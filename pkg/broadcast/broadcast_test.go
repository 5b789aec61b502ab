package broadcast

import "testing"

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("trades:0xabc", 4)
	b.Publish("trades:0xabc", "hello", 100)

	select {
	case ev := <-sub.Events():
		if ev.Payload != "hello" || ev.Seq != 1 {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("trades:0xabc", 4)
	b.Publish("book:0xabc", "irrelevant", 100)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event on unsubscribed topic: %+v", ev)
	default:
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("trades:0xabc", 2)
	for i := 0; i < 5; i++ {
		b.Publish("trades:0xabc", i, int64(i))
	}
	if sub.GapCount() == 0 {
		t.Error("expected gap counter to increment once the buffer filled")
	}
	// buffer still holds the first 2 events; draining must not block.
	<-sub.Events()
	<-sub.Events()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("funding:0xabc", 4)
	b.Unsubscribe(sub)
	b.Publish("funding:0xabc", "x", 1)
	if b.SubscriberCount("funding:0xabc") != 0 {
		t.Error("expected zero subscribers after unsubscribe")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	default:
	}
}
