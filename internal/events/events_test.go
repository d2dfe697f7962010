package events

import "testing"

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	p.Publish(Event{Name: "worker_ready", DeviceID: "cuda:0"})
	p.Publish(Event{Name: "promote_done", DeviceID: "cuda:1", ModelID: "m"})
	if got := p.Names(); len(got) != 2 || got[0] != "worker_ready" {
		t.Fatalf("names=%v", got)
	}
	if !p.Has("promote_done", "cuda:1") || p.Has("promote_done", "cuda:0") || !p.Has("worker_ready", "") {
		t.Fatalf("Has mismatch: %+v", p.Events())
	}
}

func TestRingWrapsAndForwards(t *testing.T) {
	down := NewMemoryPublisher()
	r := NewRing(3, down)
	for _, n := range []string{"a", "b", "c", "d"} {
		r.Publish(Event{Name: n})
	}
	got := r.Recent()
	if len(got) != 3 || got[0].Name != "b" || got[2].Name != "d" {
		t.Fatalf("recent=%+v", got)
	}
	if got[0].Time.IsZero() {
		t.Fatalf("time not stamped")
	}
	if len(down.Events()) != 4 {
		t.Fatalf("downstream got %d events", len(down.Events()))
	}
	if OrNoop(nil) == nil {
		t.Fatalf("OrNoop(nil) must not be nil")
	}
}
