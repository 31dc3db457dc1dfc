package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestPruneNowCutoff(t *testing.T) {
	store := &fakeStore{n: 7}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := New(store, Config{MaxAge: 2 * time.Hour}, metrics, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.PruneNow(context.Background())
	if err != nil {
		t.Fatalf("PruneNow: %v", err)
	}
	if n != 7 {
		t.Errorf("n = %d, want 7", n)
	}
	if want := fixed.Add(-2 * time.Hour); !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
	if got := counterValue(t, metrics.EventsPruned); got != 7 {
		t.Errorf("events_pruned_total = %v, want 7", got)
	}
	if got := counterValue(t, metrics.Runs); got != 1 {
		t.Errorf("runs_total = %v, want 1", got)
	}
}

func TestPruneNowError(t *testing.T) {
	boom := errors.New("disk gone")
	store := &fakeStore{err: boom}
	metrics := NewMetrics(prometheus.NewRegistry())
	s := New(store, Config{}, metrics, nil)

	if _, err := s.PruneNow(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if got := counterValue(t, metrics.Failures); got != 1 {
		t.Errorf("failures_total = %v, want 1", got)
	}
}

func TestDefaults(t *testing.T) {
	var c Config
	if c.schedule() != "@hourly" || c.maxAge() != 168*time.Hour || c.timeout() != time.Minute {
		t.Errorf("defaults = %q %v %v", c.schedule(), c.maxAge(), c.timeout())
	}
	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec string
		ok   bool
	}{
		{"@hourly", true},
		{"@every 30m", true},
		{"0 3 * * *", true},
		{"*/15 * * * *", true},
		{"not a schedule", false},
		{"0 0 3 * * *", false}, // seconds field not accepted
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseSchedule(tt.spec)
			if (err == nil) != tt.ok {
				t.Errorf("ParseSchedule(%q) err = %v, want ok=%v", tt.spec, err, tt.ok)
			}
		})
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	store := &fakeStore{}
	s := New(store, Config{Schedule: "@every 1s"}, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for store.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if store.calls() == 0 {
		t.Fatal("pruner never ran")
	}
}

func TestStartInvalidSchedule(t *testing.T) {
	s := New(&fakeStore{}, Config{Schedule: "every so often"}, nil, nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	s.Stop() // no-op
}
