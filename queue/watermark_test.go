package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeMirror struct {
	mu  sync.Mutex
	len int
}

func (f *fakeMirror) Push(ctx context.Context, job *Job) error { return nil }
func (f *fakeMirror) Pop(ctx context.Context, group string, n int) ([]*Job, error) {
	return nil, nil
}
func (f *fakeMirror) Len(ctx context.Context, group string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.len, nil
}
func (f *fakeMirror) setLen(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.len = n
}

func TestClassifyBandBoundaries(t *testing.T) {
	thresholds := Thresholds{Low: 10, Normal: 50, High: 100}
	cases := []struct {
		length int
		want   Band
	}{
		{0, BandEmpty},
		{1, BandLow},
		{10, BandLow},
		{11, BandNormal},
		{50, BandNormal},
		{51, BandHigh},
		{100, BandHigh},
		{101, BandCritical},
	}
	for _, c := range cases {
		if got := classify(c.length, thresholds); got != c.want {
			t.Errorf("classify(%d) = %v, want %v", c.length, got, c.want)
		}
	}
}

func TestWatermarkMonitorEmitsOnlyOnBandChange(t *testing.T) {
	mirror := &fakeMirror{len: 0}
	var transitions []Band
	var mu sync.Mutex

	mon := NewWatermarkMonitor(mirror, "g1", Thresholds{Low: 5, Normal: 20, High: 50}, 10*time.Millisecond,
		func(from, to Band, length int) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	mirror.setLen(3)
	waitForTransitions(t, &mu, &transitions, 1)

	mirror.setLen(3)
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	count := len(transitions)
	mu.Unlock()
	if count != 1 {
		t.Errorf("expected no additional transition for an unchanged band, got %d total transitions", count)
	}

	mirror.setLen(15)
	waitForTransitions(t, &mu, &transitions, 2)

	mu.Lock()
	defer mu.Unlock()
	if transitions[0] != BandLow || transitions[1] != BandNormal {
		t.Errorf("unexpected transition sequence: %v", transitions)
	}
}

func waitForTransitions(t *testing.T, mu *sync.Mutex, transitions *[]Band, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*transitions)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d transitions", n)
}
