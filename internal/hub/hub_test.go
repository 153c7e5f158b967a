package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func newTestClient(id string) *Client {
	return &Client{ID: id, Tier: TierPublic, Send: make(chan []byte, 8)}
}

func drain(c *Client) []Envelope {
	var envelopes []Envelope
	for {
		select {
		case raw := <-c.Send:
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			envelopes = append(envelopes, env)
		default:
			return envelopes
		}
	}
}

func TestPublishReachesJoinedClients(t *testing.T) {
	h := New()
	viewer := newTestClient("viewer")
	other := newTestClient("other")
	h.Register(viewer)
	h.Register(other)
	h.Join(viewer, "q1")
	h.Join(other, "q2")

	h.Publish("q1", EventTicketCreated, map[string]string{"ticket_id": "t1"})

	got := drain(viewer)
	if len(got) != 1 {
		t.Fatalf("expected 1 event for viewer, got %d", len(got))
	}
	if got[0].Event != EventTicketCreated || got[0].QueueID != "q1" {
		t.Fatalf("unexpected envelope: %+v", got[0])
	}
	if extra := drain(other); len(extra) != 0 {
		t.Fatalf("client in another room received %d events", len(extra))
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := New()
	viewer := newTestClient("viewer")
	h.Register(viewer)
	h.Join(viewer, "q1")
	h.Leave(viewer, "q1")

	h.Publish("q1", EventTicketCalled, map[string]string{"ticket_id": "t1"})

	if got := drain(viewer); len(got) != 0 {
		t.Fatalf("expected no events after leave, got %d", len(got))
	}
	if h.Subscribers("q1") != 0 {
		t.Fatalf("expected empty room after leave")
	}
}

func TestUnregisterClosesSendAndRemovesInterest(t *testing.T) {
	h := New()
	viewer := newTestClient("viewer")
	h.Register(viewer)
	h.Join(viewer, "q1")
	h.Join(viewer, "q2")

	h.Unregister(viewer)

	if _, open := <-viewer.Send; open {
		t.Fatalf("expected send channel closed after unregister")
	}
	if h.Subscribers("q1") != 0 || h.Subscribers("q2") != 0 {
		t.Fatalf("expected all rooms cleared after unregister")
	}

	// second unregister is a no-op, must not panic on double close
	h.Unregister(viewer)
}

func TestJoinRequiresRegistration(t *testing.T) {
	h := New()
	stranger := newTestClient("stranger")
	h.Join(stranger, "q1")
	if h.Subscribers("q1") != 0 {
		t.Fatalf("unregistered client must not join a room")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	h := New()
	slow := &Client{ID: "slow", Tier: TierPublic, Send: make(chan []byte, 1)}
	h.Register(slow)
	h.Join(slow, "q1")

	h.Publish("q1", EventTicketCreated, map[string]string{"n": "1"})
	h.Publish("q1", EventTicketCreated, map[string]string{"n": "2"})

	if got := drain(slow); len(got) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(got))
	}
}

func TestPublishConcurrentWithMembershipChanges(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newTestClient(fmt.Sprintf("client-%d", i))
			h.Register(c)
			h.Join(c, "q1")
			go func() {
				for range c.Send {
				}
			}()
			h.Unregister(c)
		}(i)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Publish("q1", EventTicketUpdated, map[string]string{"ticket_id": "t"})
		}()
	}
	wg.Wait()

	if h.Subscribers("q1") != 0 {
		t.Fatalf("expected no subscribers left, got %d", h.Subscribers("q1"))
	}
}

func TestParseControl(t *testing.T) {
	msg, ok := ParseControl([]byte(`{"action":"join-queue","queue_id":"q1"}`))
	if !ok || msg.Action != "join-queue" || msg.QueueID != "q1" {
		t.Fatalf("expected valid join control, got %+v ok=%v", msg, ok)
	}
	if _, ok := ParseControl([]byte(`{"action":"join-queue"}`)); ok {
		t.Fatalf("control without queue_id must be rejected")
	}
	if _, ok := ParseControl([]byte(`{"action":"shutdown","queue_id":"q1"}`)); ok {
		t.Fatalf("unknown action must be rejected")
	}
	if _, ok := ParseControl([]byte(`not json`)); ok {
		t.Fatalf("malformed control must be rejected")
	}
}
