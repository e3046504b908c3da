package transport

import (
	"context"
	"testing"
)

func TestBroadcastExcludesSender(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	b := n.Join("b")
	c := n.Join("c")

	var aGot, bGot, cGot []Envelope
	a.SetHandler(func(env Envelope) { aGot = append(aGot, env) })
	b.SetHandler(func(env Envelope) { bGot = append(bGot, env) })
	c.SetHandler(func(env Envelope) { cGot = append(cGot, env) })

	if err := a.Broadcast(context.Background(), Envelope{Kind: KindVote, From: "a", Payload: []byte("v")}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(aGot) != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if len(bGot) != 1 || len(cGot) != 1 {
		t.Fatalf("expected delivery to both peers, got b=%d c=%d", len(bGot), len(cGot))
	}
	if bGot[0].From != "a" || bGot[0].Kind != KindVote {
		t.Fatalf("unexpected envelope: %+v", bGot[0])
	}
}

func TestPartitionAndHeal(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	b := n.Join("b")

	var bGot int
	b.SetHandler(func(Envelope) { bGot++ })

	n.Partition("a")
	// a partitioned node neither sends nor receives
	_ = a.Broadcast(context.Background(), Envelope{Kind: KindVote, From: "a"})
	if bGot != 0 {
		t.Fatal("partitioned node leaked a broadcast")
	}

	var aGot int
	a.SetHandler(func(Envelope) { aGot++ })
	_ = b.Broadcast(context.Background(), Envelope{Kind: KindVote, From: "b"})
	if aGot != 0 {
		t.Fatal("partitioned node received a broadcast")
	}

	n.Heal("a")
	_ = b.Broadcast(context.Background(), Envelope{Kind: KindVote, From: "b"})
	if aGot != 1 {
		t.Fatalf("expected delivery after heal, got %d", aGot)
	}
}

func TestBroadcastAfterClose(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	_ = n.Join("b")

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Broadcast(context.Background(), Envelope{Kind: KindVote, From: "a"}); err != ErrTransportClosed {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}
