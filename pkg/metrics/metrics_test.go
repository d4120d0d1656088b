package metrics

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter()
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("Value() = %d, want 5", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge()
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Add(-3)
	if g.Value() != 7 {
		t.Errorf("Value() = %d, want 7", g.Value())
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	if c.Value() != 10000 {
		t.Errorf("Value() = %d, want 10000", c.Value())
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.EventsDispatched.Add(3)
	m.CircuitsClosedDropped.Inc()
	m.TrackedCircuits.Set(2)

	s := m.Snapshot()
	if s.EventsDispatched != 3 || s.CircuitsClosedDropped != 1 || s.TrackedCircuits != 2 {
		t.Errorf("snapshot = %+v", s)
	}
	if s.UptimeSeconds < 0 {
		t.Errorf("uptime = %d", s.UptimeSeconds)
	}
}
