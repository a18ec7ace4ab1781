package broadcast

import (
	"runtime"
	"testing"
)

func TestSendAllDeliversToEverySubscriber(t *testing.T) {
	s := NewSender[byte]()
	r1 := s.Subscribe()
	r2 := s.Subscribe()

	s.SendAll('h')
	s.SendAll('i')

	for _, r := range []*Receiver[byte]{r1, r2} {
		v, ok := r.PollNext(nil)
		if !ok || v != 'h' {
			t.Fatalf("expected 'h', got %q ok=%v", v, ok)
		}
		v, ok = r.PollNext(nil)
		if !ok || v != 'i' {
			t.Fatalf("expected 'i', got %q ok=%v", v, ok)
		}
	}
}

func TestSendOneRejectsMultipleSubscribers(t *testing.T) {
	s := NewSender[int]()
	r1 := s.Subscribe()
	r2 := s.Subscribe()
	runtime.KeepAlive(r1)
	runtime.KeepAlive(r2)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic with 2 live subscribers")
		}
	}()
	s.SendOne(1)
}

func TestSendOneDeliversToSoleSubscriber(t *testing.T) {
	s := NewSender[int]()
	r := s.Subscribe()

	s.SendOne(42)
	v, ok := r.PollNext(nil)
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %d ok=%v", v, ok)
	}
}

func TestSendAfterAllReceiversDroppedIsNoop(t *testing.T) {
	s := NewSender[int]()
	func() {
		r := s.Subscribe()
		runtime.KeepAlive(r)
	}()

	// Force the receiver's inner buffer to be collected so the sender's
	// weak reference goes dead.
	for i := 0; i < 10 && s.LiveSubscribers() > 0; i++ {
		runtime.GC()
	}

	if got := s.LiveSubscribers(); got != 0 {
		t.Fatalf("expected 0 live subscribers after drop+GC, got %d", got)
	}
	// SendAll/SendOne on zero receivers must not panic.
	s.SendAll(1)
	s.SendOne(1)
}

func TestPollNextRegistersWaker(t *testing.T) {
	s := NewSender[int]()
	r := s.Subscribe()

	woken := false
	_, ok := r.PollNext(func() { woken = true })
	if ok {
		t.Fatalf("expected no item yet")
	}

	s.SendOne(7)
	if !woken {
		t.Fatalf("expected waker to fire on send")
	}
	v, ok := r.PollNext(nil)
	if !ok || v != 7 {
		t.Fatalf("expected 7, got %d ok=%v", v, ok)
	}
}
