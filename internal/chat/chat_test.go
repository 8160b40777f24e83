package chat

import (
	"errors"
	"testing"

	"github.com/postalsys/nio-chat/internal/identity"
	"github.com/postalsys/nio-chat/internal/logging"
)

type fakePeer struct {
	name string
	got  []string
	fail bool
}

func (p *fakePeer) Send(text string) error {
	if p.fail {
		return errors.New("broken pipe")
	}
	p.got = append(p.got, text)
	return nil
}

func id(name string) identity.Identity {
	return identity.Identity{Name: name, Secret: name + "-pw"}
}

func TestRegistry_SingleSessionPerName(t *testing.T) {
	r := NewRegistry()
	first := &fakePeer{name: "first"}
	second := &fakePeer{name: "second"}

	if !r.Add(id("alice"), first) {
		t.Fatal("first Add() should succeed")
	}
	if r.Add(id("alice"), second) {
		t.Fatal("second Add() for same name should fail")
	}
	if r.Add(id("bob"), first) {
		t.Fatal("Add() of an already registered peer should fail")
	}

	p, ok := r.PeerOf("alice")
	if !ok || p != first {
		t.Errorf("PeerOf(alice) = %v, %v", p, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{}
	r.Add(id("alice"), p)

	got, ok := r.Remove(p)
	if !ok || got.Name != "alice" {
		t.Fatalf("Remove() = %+v, %v", got, ok)
	}
	if r.IsActive("alice") {
		t.Error("alice still active after Remove()")
	}
	if _, ok := r.Lookup(p); ok {
		t.Error("peer still mapped after Remove()")
	}
	if _, ok := r.Remove(p); ok {
		t.Error("second Remove() should report absent")
	}

	// The name is free again.
	if !r.Add(id("alice"), &fakePeer{}) {
		t.Error("re-login after Remove() should succeed")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Add(id("carol"), &fakePeer{})
	r.Add(id("alice"), &fakePeer{})
	r.Add(id("bob"), &fakePeer{})

	names := r.Names()
	want := []string{"alice", "bob", "carol"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestRouter_Forward(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakePeer{}, &fakePeer{}, &fakePeer{}
	r.Add(id("A"), a)
	r.Add(id("B"), b)
	r.Add(id("C"), c)

	n := NewRouter(r, logging.NopLogger()).Forward("hi", id("A"))
	if n != 2 {
		t.Errorf("Forward() = %d, want 2", n)
	}

	for name, p := range map[string]*fakePeer{"B": b, "C": c} {
		if len(p.got) != 1 || p.got[0] != "A: hi" {
			t.Errorf("%s got %v, want [A: hi]", name, p.got)
		}
	}
	if len(a.got) != 1 || a.got[0] != "System: Message sent to 2 user/s" {
		t.Errorf("sender got %v", a.got)
	}
}

func TestRouter_ForwardAlone(t *testing.T) {
	r := NewRegistry()
	a := &fakePeer{}
	r.Add(id("A"), a)

	if n := NewRouter(r, nil).Forward("hi", id("A")); n != 0 {
		t.Errorf("Forward() = %d, want 0", n)
	}
	if len(a.got) != 1 || a.got[0] != Ack(0) {
		t.Errorf("sender got %v, want [%s]", a.got, Ack(0))
	}
}

func TestRouter_ForwardContinuesPastFailure(t *testing.T) {
	r := NewRegistry()
	a := &fakePeer{}
	broken := &fakePeer{fail: true}
	ok1, ok2 := &fakePeer{}, &fakePeer{}
	r.Add(id("A"), a)
	r.Add(id("broken"), broken)
	r.Add(id("ok1"), ok1)
	r.Add(id("ok2"), ok2)

	n := NewRouter(r, logging.NopLogger()).Forward("hello", id("A"))
	if n != 2 {
		t.Errorf("Forward() = %d, want 2", n)
	}
	if len(ok1.got) != 1 || len(ok2.got) != 1 {
		t.Errorf("healthy peers got %v and %v", ok1.got, ok2.got)
	}
	if a.got[len(a.got)-1] != Ack(2) {
		t.Errorf("acknowledgement = %q, want %q", a.got[len(a.got)-1], Ack(2))
	}
}
