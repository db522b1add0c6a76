package billing

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pichub/pichub/internal/logging"
)

func TestCoalesceGroupsByToken(t *testing.T) {
	events := []UsageEvent{
		{Token: "tokenA", Bytes: 100},
		{Token: "tokenA", Bytes: 50},
		{Token: "tokenB", Bytes: 30},
	}
	want := []Charge{{Token: "tokenA", Bytes: 150}, {Token: "tokenB", Bytes: 30}}
	if got := Coalesce(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("Coalesce = %+v, want %+v", got, want)
	}
	if Coalesce(nil) != nil {
		t.Fatalf("empty input yields no charges")
	}
}

func TestAggregatorIssuesOneBatchPerWindow(t *testing.T) {
	writer := newRecordingWriter(nil)
	agg := NewAggregator(writer, Options{Interval: 20 * time.Millisecond, Logger: logging.Discard()})
	t.Cleanup(func() { agg.Close(context.Background()) })

	agg.RecordUsage("tokenA", 100)
	agg.RecordUsage("tokenA", 50)
	agg.RecordUsage("tokenB", 30)

	select {
	case <-writer.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a flush within the window")
	}

	time.Sleep(80 * time.Millisecond)
	batches := writer.Batches()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one batch, got %d: %+v", len(batches), batches)
	}
	want := []Charge{{Token: "tokenA", Bytes: 150}, {Token: "tokenB", Bytes: 30}}
	if !reflect.DeepEqual(batches[0], want) {
		t.Fatalf("batch = %+v, want %+v", batches[0], want)
	}
}

func TestAggregatorReschedulesUntilWindowElapses(t *testing.T) {
	writer := newRecordingWriter(nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sched := &manualScheduler{}
	agg := newTestAggregator(writer, clock, sched)

	agg.RecordUsage("tokenA", 10)
	if sched.Len() != 1 {
		t.Fatalf("first event should schedule a check, got %d", sched.Len())
	}
	agg.RecordUsage("tokenA", 20)
	if sched.Len() != 1 {
		t.Fatalf("a pending check must not be duplicated")
	}

	// 半个窗口：尚不能刷写，但必须重新安排剩余时间。
	clock.Advance(500 * time.Millisecond)
	sched.RunNext()
	if len(writer.Batches()) != 0 {
		t.Fatalf("window has not elapsed yet")
	}
	if sched.Len() != 1 || sched.LastDelay() != 500*time.Millisecond {
		t.Fatalf("expected a reschedule for the remaining 500ms, got %d/%s", sched.Len(), sched.LastDelay())
	}

	clock.Advance(500 * time.Millisecond)
	sched.RunNext()
	batches := writer.Batches()
	if len(batches) != 1 || batches[0][0] != (Charge{Token: "tokenA", Bytes: 30}) {
		t.Fatalf("unexpected batches %+v", batches)
	}
	if sched.Len() != 0 {
		t.Fatalf("nothing pending, no further checks expected")
	}
}

func TestAggregatorDropsFailedBatch(t *testing.T) {
	writer := newRecordingWriter(errors.New("connection reset"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sched := &manualScheduler{}
	agg := newTestAggregator(writer, clock, sched)

	agg.RecordUsage("tokenA", 10)
	clock.Advance(time.Second)
	sched.RunNext()

	if len(writer.Batches()) != 1 {
		t.Fatalf("expected a single write attempt")
	}
	if sched.Len() != 0 {
		t.Fatalf("failed batches are not retried")
	}
	if err := agg.Close(context.Background()); err != nil {
		t.Fatalf("close with nothing pending should succeed: %v", err)
	}
	if len(writer.Batches()) != 1 {
		t.Fatalf("dropped usage must not be written again on close")
	}
}

func TestAggregatorCloseFlushesPending(t *testing.T) {
	writer := newRecordingWriter(nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sched := &manualScheduler{}
	agg := newTestAggregator(writer, clock, sched)

	agg.RecordUsage("tokenB", 7)
	if err := agg.Close(context.Background()); err != nil {
		t.Fatalf("close error: %v", err)
	}
	batches := writer.Batches()
	if len(batches) != 1 || batches[0][0] != (Charge{Token: "tokenB", Bytes: 7}) {
		t.Fatalf("pending usage should be written on close, got %+v", batches)
	}
	if !sched.Stopped() {
		t.Fatalf("pending timer should be stopped on close")
	}

	agg.RecordUsage("tokenB", 7)
	if len(writer.Batches()) != 1 {
		t.Fatalf("usage after close is dropped")
	}
}

func TestAggregatorIgnoresEmptyUsage(t *testing.T) {
	sched := &manualScheduler{}
	agg := newTestAggregator(newRecordingWriter(nil), &fakeClock{now: time.Now()}, sched)
	agg.RecordUsage("", 10)
	agg.RecordUsage("tokenA", 0)
	if sched.Len() != 0 {
		t.Fatalf("empty usage should not schedule a check")
	}
}

func newTestAggregator(writer Writer, clock *fakeClock, sched *manualScheduler) *Aggregator {
	agg := NewAggregator(writer, Options{Interval: time.Second, Logger: logging.Discard()})
	agg.now = clock.Now
	agg.lastFlush = clock.Now()
	agg.afterFunc = sched.AfterFunc
	return agg
}

type recordingWriter struct {
	mu      sync.Mutex
	batches [][]Charge
	err     error
	calls   chan struct{}
}

func newRecordingWriter(err error) *recordingWriter {
	return &recordingWriter{err: err, calls: make(chan struct{}, 16)}
}

func (w *recordingWriter) DeductBalances(_ context.Context, charges []Charge) error {
	w.mu.Lock()
	w.batches = append(w.batches, append([]Charge(nil), charges...))
	w.mu.Unlock()
	w.calls <- struct{}{}
	return w.err
}

func (w *recordingWriter) Batches() [][]Charge {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]Charge(nil), w.batches...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	m.stopped = true
	return true
}

type manualScheduler struct {
	mu    sync.Mutex
	queue []*manualTimer
	last  time.Duration
	stops []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, fn func()) stopper {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{delay: d, fn: fn}
	s.queue = append(s.queue, timer)
	s.stops = append(s.stops, timer)
	s.last = d
	return timer
}

func (s *manualScheduler) RunNext() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	if !next.stopped {
		next.fn()
	}
}

func (s *manualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *manualScheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *manualScheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, timer := range s.stops {
		if timer.stopped {
			return true
		}
	}
	return false
}
