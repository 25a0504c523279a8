package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeMailingCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeMailingCounter) CountByStatus(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

func TestCollectorCollect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hits.db")
	if err := os.WriteFile(path, make([]byte, 4096), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := New()
	counter := &fakeMailingCounter{counts: map[string]int{"draft": 2, "sent": 5}}
	c := NewCollector(m, counter, path, time.Minute)
	c.collect(context.Background())

	if got := gaugeValue(t, m.StorageUsedBytes); got != 4096 {
		t.Errorf("storage = %v, want 4096", got)
	}
	if got := gaugeValue(t, m.Goroutines); got < 1 {
		t.Errorf("goroutines = %v, want > 0", got)
	}
	if got := gaugeValue(t, m.MailingsByStatus.WithLabelValues("sent")); got != 5 {
		t.Errorf("sent mailings = %v, want 5", got)
	}

	// a failing counter keeps the last values
	counter.err = errors.New("db down")
	c.collect(context.Background())
	if got := gaugeValue(t, m.MailingsByStatus.WithLabelValues("draft")); got != 2 {
		t.Errorf("draft mailings = %v, want 2", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	m := New()
	c := NewCollector(m, nil, "", 10*time.Millisecond)
	c.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	if got := gaugeValue(t, m.UptimeSeconds); got <= 0 {
		t.Errorf("uptime = %v, want > 0", got)
	}
}
