// Package billing turns the stream of per-response usage events into
// coalesced balance deductions, written at most once per flush interval.
//
// Billing is best-effort metering rather than a ledger: a failed batch is
// logged and dropped, never retried, so delivery latency is never coupled to
// the balance store.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pichub/pichub/internal/metrics"
)

const (
	defaultInterval     = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Options 控制 Aggregator 的刷写节奏与观测组件。
type Options struct {
	Interval     time.Duration
	WriteTimeout time.Duration
	Logger       *logrus.Logger
	Metrics      *metrics.Collector
}

type stopper interface {
	Stop() bool
}

// Aggregator 独占计费窗口：pending 列表与上次刷写时间只在 mu 保护下读写。
type Aggregator struct {
	writer       Writer
	interval     time.Duration
	writeTimeout time.Duration
	logger       *logrus.Logger
	metrics      *metrics.Collector

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu        sync.Mutex
	pending   []UsageEvent
	lastFlush time.Time
	timer     stopper
	closed    bool

	inflight sync.WaitGroup
}

// NewAggregator 创建聚合器；窗口起点为创建时刻。
func NewAggregator(writer Writer, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	a := &Aggregator{
		writer:       writer,
		interval:     opts.Interval,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	a.lastFlush = a.now()
	return a
}

// RecordUsage 追加一条用量并在没有待执行检查时安排一次延迟检查。不阻塞调用方。
func (a *Aggregator) RecordUsage(token string, bytes int64) {
	if token == "" || bytes <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.WithFields(logrus.Fields{
			"action": "billing_record",
			"token":  token,
			"bytes":  bytes,
		}).Warn("billing aggregator closed, usage dropped")
		return
	}
	a.pending = append(a.pending, UsageEvent{Token: token, Bytes: bytes, At: a.now()})
	if a.timer == nil {
		a.scheduleLocked(a.interval)
	}
}

func (a *Aggregator) scheduleLocked(d time.Duration) {
	a.timer = a.afterFunc(d, a.check)
}

// check 由定时器触发。窗口未到时按剩余时间重新安排，保证 pending 的事件最终都会被刷写。
func (a *Aggregator) check() {
	a.mu.Lock()
	a.timer = nil
	if a.closed || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}

	now := a.now()
	if elapsed := now.Sub(a.lastFlush); elapsed < a.interval {
		a.scheduleLocked(a.interval - elapsed)
		a.mu.Unlock()
		return
	}

	events := a.pending
	a.pending = nil
	a.lastFlush = now
	a.inflight.Add(1)
	a.mu.Unlock()

	defer a.inflight.Done()
	ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
	defer cancel()
	a.write(ctx, events)
}

func (a *Aggregator) write(ctx context.Context, events []UsageEvent) error {
	charges := Coalesce(events)
	if len(charges) == 0 {
		return nil
	}

	fields := logrus.Fields{
		"action":   "billing_flush",
		"requests": len(events),
		"tokens":   len(charges),
	}
	started := time.Now()
	err := a.writer.DeductBalances(ctx, charges)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		// 不重试：该窗口的计费丢失，余额只是尽力而为的计量。
		a.metrics.ObserveBillingFlush(len(events), len(charges), err)
		a.logger.WithError(err).WithFields(fields).Error("billing_write_failed")
		return err
	}
	a.metrics.ObserveBillingFlush(len(events), len(charges), nil)
	a.logger.WithFields(fields).Debug("billing window flushed")
	return nil
}

// Close 停止调度，等待进行中的刷写，并把剩余事件作为最后一批写出。
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	events := a.pending
	a.pending = nil
	a.mu.Unlock()

	a.inflight.Wait()
	return a.write(ctx, events)
}
