package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrOutboxSaturated = errors.New("activity outbox saturated")
	ErrOutboxClosed    = errors.New("activity outbox closed")
)

type activityRecorder interface {
	Record(ctx context.Context, act Activity) error
}

// OutboxConfig tunes an ActivityOutbox. Zero fields take defaults.
type OutboxConfig struct {
	BufferSize     int
	Workers        int
	BatchSize      int
	MaxAttempts    int
	FlushInterval  time.Duration
	SendTimeout    time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

type pendingActivity struct {
	act     Activity
	attempt int
}

// ActivityOutbox moves activity records off the request path: Record hands
// the record to a buffered channel and worker goroutines deliver batches to
// the sink, retrying failures with exponential backoff. Records still
// failing after MaxAttempts are dropped and logged.
type ActivityOutbox struct {
	cfg    OutboxConfig
	sink   activityRecorder
	logger *log.Logger

	workCh   chan *pendingActivity
	stopCh   chan struct{}
	mu       sync.RWMutex
	closing  bool
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	delivered atomic.Uint64
	dropped   atomic.Uint64
	retrying  atomic.Int64
	started   time.Time
}

func NewActivityOutbox(sink activityRecorder, cfg OutboxConfig, logger *log.Logger) *ActivityOutbox {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg = cfg.withDefaults()
	o := &ActivityOutbox{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		workCh:  make(chan *pendingActivity, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		started: time.Now(),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	return o
}

// Record queues act for delivery. It never waits on the sink.
func (o *ActivityOutbox) Record(ctx context.Context, act Activity) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		return ErrOutboxClosed
	}
	rec := &pendingActivity{act: act}
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			o.dropped.Add(1)
			return ErrOutboxSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		o.dropped.Add(1)
		return ErrOutboxSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records, abandons pending retries and waits until
// the buffered records have been flushed.
func (o *ActivityOutbox) Close() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.retryWG.Wait()
	close(o.workCh)
	o.workerWG.Wait()
}

func (o *ActivityOutbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*pendingActivity, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			rec, ok := <-o.workCh
			if !ok {
				return
			}
			batch = append(batch, rec)
			timer.Reset(o.cfg.FlushInterval)
		}

		closed := false
	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec, ok := <-o.workCh:
				if !ok {
					closed = true
					break gather
				}
				batch = append(batch, rec)
			case <-timer.C:
				break gather
			}
		}

		o.flushBatch(batch, id)
		batch = batch[:0]
		if closed {
			return
		}
	}
}

func (o *ActivityOutbox) flushBatch(batch []*pendingActivity, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()

	for _, rec := range batch {
		err := o.sink.Record(ctx, rec.act)
		if err == nil {
			o.delivered.Add(1)
			continue
		}
		rec.attempt++
		entry := o.logger.WithError(err).WithFields(log.Fields{
			"worker":  workerID,
			"project": rec.act.ProjectID,
			"kind":    rec.act.Kind,
			"attempt": rec.attempt,
		})
		if rec.attempt >= o.cfg.MaxAttempts {
			o.dropped.Add(1)
			entry.Error("activity dropped after retries")
			continue
		}
		entry.Warn("activity delivery failed")
		o.scheduleRetry(rec)
	}
}

func (o *ActivityOutbox) scheduleRetry(rec *pendingActivity) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		o.dropped.Add(1)
		return
	}
	delay := exponentialBackoff(rec.attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	o.retryWG.Add(1)
	o.retrying.Add(1)
	go func() {
		defer o.retryWG.Done()
		defer o.retrying.Add(-1)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- rec:
				return
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
		o.dropped.Add(1)
	}()
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

// OutboxStats is a point-in-time view of an ActivityOutbox.
type OutboxStats struct {
	Buffered  int       `json:"buffered"`
	Retrying  int64     `json:"retrying"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
	StartedAt time.Time `json:"startedAt"`
}

func (o *ActivityOutbox) Stats() OutboxStats {
	return OutboxStats{
		Buffered:  len(o.workCh),
		Retrying:  o.retrying.Load(),
		Delivered: o.delivered.Load(),
		Dropped:   o.dropped.Load(),
		StartedAt: o.started,
	}
}
