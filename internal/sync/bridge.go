package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/recall-io/recall/internal/block"
	recallotel "github.com/recall-io/recall/internal/otel"
)

// Options tunes the bridge's worker pool and retry behavior. Zero values
// take defaults.
type Options struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Bridge subscribes to block commit events and pushes bodies to the runtime
// through a bounded worker pool.
type Bridge struct {
	blocks *block.Store
	client RuntimeClient
	states *StateStore
	opts   Options

	queue    chan block.Event
	inflight stdsync.WaitGroup // queued-but-unfinished events
	workers  stdsync.WaitGroup

	mu      stdsync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// NewBridge creates a bridge over the given stores and runtime client.
func NewBridge(blocks *block.Store, client RuntimeClient, states *StateStore, opts Options) *Bridge {
	opts = opts.withDefaults()
	return &Bridge{
		blocks: blocks,
		client: client,
		states: states,
		opts:   opts,
		queue:  make(chan block.Event, opts.QueueSize),
	}
}

// Start launches the worker pool and registers the bridge as a commit
// listener. The listener only enqueues; all pushing happens on the workers.
func (b *Bridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for i := 0; i < b.opts.Workers; i++ {
		b.workers.Add(1)
		go b.worker(ctx)
	}
	b.blocks.OnCommit(b.enqueue)

	log.Info().Int("workers", b.opts.Workers).Int("queue_size", b.opts.QueueSize).
		Msg("sync bridge started")
}

// enqueue hands a commit event to the worker queue without blocking the
// committing goroutine. A full queue drops the event: the next commit to the
// same block re-enqueues it, and a drop with no subsequent commit shows up
// as a stale sync state in the health report.
func (b *Bridge) enqueue(ev block.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}

	b.inflight.Add(1)
	select {
	case b.queue <- ev:
	default:
		b.inflight.Done()
		queueDrops.Add(context.Background(), 1)
		log.Warn().
			Str("owner_id", ev.OwnerID).
			Str("block_label", ev.Label).
			Msg("sync queue full, dropping event")
	}
}

func (b *Bridge) worker(ctx context.Context) {
	defer b.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			b.process(ctx, ev)
			b.inflight.Done()
		}
	}
}

// process pushes a block's current body, retrying with exponential backoff
// and jitter. It always reads the body at push time rather than carrying it
// in the event: pushes are idempotent upserts, so delivering a newer body
// than the event's version only converges faster.
func (b *Bridge) process(ctx context.Context, ev block.Event) {
	ctx, span := tracer.Start(ctx, "sync.push",
		trace.WithAttributes(
			attribute.String("owner_id", ev.OwnerID),
			attribute.String("block_label", ev.Label),
		))
	defer span.End()

	cur, err := b.blocks.ReadCurrent(ctx, ev.OwnerID, ev.Label)
	if err != nil {
		if errors.Is(err, block.ErrNotFound) {
			return
		}
		log.Error().Err(err).
			Str("owner_id", ev.OwnerID).
			Str("block_label", ev.Label).
			Msg("sync read failed")
		return
	}

	// Coalesce: a burst of commits queues several events for the same block
	// but only the first push after the last commit does work.
	if st, err := b.states.Get(ctx, ev.OwnerID, ev.Label); err == nil && st != nil &&
		st.Status == StatusOK && st.LastSyncedVersionID == cur.HeadVersionID {
		return
	}

	backoff := b.opts.InitialBackoff
	var lastErr error
retry:
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		err := b.client.Push(ctx, ev.OwnerID, ev.Label, cur.Body)
		if err == nil {
			pushesTotal.Add(ctx, 1)
			if err := b.states.MarkSynced(ctx, ev.OwnerID, ev.Label, cur.HeadVersionID, attempt); err != nil {
				log.Error().Err(err).Msg("recording sync state failed")
			}
			span.SetAttributes(
				attribute.String("block.version_id", cur.HeadVersionID),
				attribute.Int("sync.attempts", attempt),
			)
			return
		}
		lastErr = err

		pushFailures.Add(ctx, 1)
		if attempt == b.opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff, b.opts.MaxBackoff)
	}

	degradedTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Bool("sync.degraded", true))
	log.Error().Err(lastErr).
		Str("owner_id", ev.OwnerID).
		Str("block_label", ev.Label).
		Int("attempts", b.opts.MaxAttempts).
		Func(recallotel.LogTraceFields(ctx)).
		Msg("sync push exhausted retries, marking degraded")
	if err := b.states.MarkDegraded(context.WithoutCancel(ctx), ev.OwnerID, ev.Label, b.opts.MaxAttempts, lastErr); err != nil {
		log.Error().Err(err).Msg("recording degraded sync state failed")
	}
}

// jitter spreads a backoff over [0.8, 1.2) of its base value.
func jitter(base time.Duration) time.Duration {
	factor := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * factor)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Shutdown stops accepting events and drains in-flight pushes until ctx
// expires, then cancels whatever remains. Remaining events are not lost
// permanently: their blocks stay unsynced in the health report and converge
// on the next commit.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("sync drain interrupted: %w", ctx.Err())
	}

	if b.cancel != nil {
		b.cancel()
	}
	b.workers.Wait()

	if err != nil {
		log.Warn().Err(err).Msg("sync bridge shut down before draining")
	} else {
		log.Info().Msg("sync bridge drained")
	}
	return err
}
