package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/fanout/queue"
	"github.com/durable-streams/streams-engine/internal/offsetv"
)

// DefaultMaxInlineFanout is spec.md §4.7's MAX_INLINE_FANOUT default.
const DefaultMaxInlineFanout = 200

// DefaultQueueBatchSize is the subscriber count per queued-path batch
// message, spec.md §4.7 step 4's "batch of N subscribers (default 200)".
const DefaultQueueBatchSize = 200

// Dispatcher implements publish dispatch (spec.md §4.7): append to the
// source stream, then fan out to every subscriber either inline (bounded
// parallelism) or via the queue, guarded by a per-source circuit breaker.
type Dispatcher struct {
	manager   *engine.Manager
	subs      *SubscriberRegistry
	q         queue.Queue
	logger    *zap.Logger
	maxInline int
	batchSize int

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewDispatcher constructs a Dispatcher. q may be nil if the queued path
// is never expected to be exercised (e.g. a deployment with
// maxInline=unbounded); Publish returns engineerr.CodeBatchBuildFailed if
// the queued path is needed but q is nil.
func NewDispatcher(manager *engine.Manager, subs *SubscriberRegistry, q queue.Queue, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		manager:   manager,
		subs:      subs,
		q:         q,
		logger:    logger,
		maxInline: DefaultMaxInlineFanout,
		batchSize: DefaultQueueBatchSize,
		breakers:  make(map[string]*Breaker),
	}
}

func (d *Dispatcher) breakerFor(sourcePath string) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[sourcePath]
	if !ok {
		b = NewBreaker(DefaultFailureThreshold, DefaultRecoveryMS*1_000_000)
		d.breakers[sourcePath] = b
	}
	return b
}

// PublishResult is the response of a publish dispatch, spec.md §4.7 step 5.
type PublishResult struct {
	Offset              string
	StreamSeq           uint64
	ProducerReceivedSeq *int64
	SubscriberCount     int
	InlineSuccesses     int
	InlineFailures      int
	QueuedBatches       int
}

// Publish implements the full dispatch sequence for one source-stream
// append: durable write (with the caller's full append input, so
// producer idempotency and stream-close still work on fan-out source
// streams), then inline or queued fan-out to every current subscriber.
func (d *Dispatcher) Publish(ctx context.Context, project, sourceStream string, in engine.AppendInput) (*PublishResult, error) {
	sourcePath, err := offsetv.ParseStreamPath(project + "/" + sourceStream)
	if err != nil {
		return nil, err
	}
	actor, err := d.manager.GetOrCreate(sourcePath)
	if err != nil {
		return nil, err
	}
	appended, err := actor.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	payload, contentType := in.Payload, in.ContentType

	subscribers := d.subs.List(sourcePath.String())
	result := &PublishResult{
		Offset:              appended.Offset.String(),
		StreamSeq:           appended.StreamSeq,
		ProducerReceivedSeq: appended.ProducerReceivedSeq,
		SubscriberCount:     len(subscribers),
	}
	if len(subscribers) == 0 {
		return result, nil
	}

	breaker := d.breakerFor(sourcePath.String())
	useInline := len(subscribers) <= d.maxInline && breaker.Allow()

	if useInline {
		succ, fail, stale := d.dispatchInline(ctx, project, sourcePath.String(), subscribers, payload, contentType)
		result.InlineSuccesses = succ
		result.InlineFailures = fail
		if succ > 0 {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
		if len(stale) > 0 {
			d.subs.RemoveSubscribers(ctx, sourcePath.String(), stale)
		}
		return result, nil
	}

	if d.q == nil {
		return nil, engineerr.New(engineerr.CodeBatchBuildFailed, "queued fan-out path required but no queue backend is configured")
	}
	batches, err := d.dispatchQueued(ctx, project, sourcePath.String(), subscribers, payload, contentType)
	result.QueuedBatches = batches
	return result, err
}

// dispatchInline appends payload to every subscriber's sink stream with
// bounded parallelism, returning success/failure counts and the ids that
// failed with StreamNotFound (considered stale per spec.md §4.7 step 3).
func (d *Dispatcher) dispatchInline(ctx context.Context, project, sourcePath string, subscribers []string, payload []byte, contentType string) (succ, fail int, stale []string) {
	const maxParallel = 32
	sem := make(chan struct{}, maxParallel)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, estuaryID := range subscribers {
		wg.Add(1)
		sem <- struct{}{}
		go func(estuaryID string) {
			defer wg.Done()
			defer func() { <-sem }()

			path, err := offsetv.ParseStreamPath(project + "/" + estuaryID)
			if err != nil {
				mu.Lock()
				fail++
				mu.Unlock()
				return
			}
			sinkActor, err := d.manager.GetOrCreate(path)
			if err == nil {
				_, err = sinkActor.Append(ctx, engine.AppendInput{Payload: payload, ContentType: contentType})
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succ++
				return
			}
			fail++
			if e, ok := engineerr.As(err); ok && e.Code == engineerr.CodeStreamNotFound {
				stale = append(stale, estuaryID)
			} else {
				d.logger.Warn("fanout: inline append failed", zap.String("estuary", estuaryID), zap.Error(err))
			}
		}(estuaryID)
	}
	wg.Wait()
	return succ, fail, stale
}

// dispatchQueued emits one queue.Batch per batchSize subscribers, tagged
// with the source stream's next fanout_seq so a consumer can assign
// redelivery-safe per-subscriber producer headers (spec.md §4.7 step 4).
func (d *Dispatcher) dispatchQueued(ctx context.Context, project, sourcePath string, subscribers []string, payload []byte, contentType string) (int, error) {
	batches := 0
	for start := 0; start < len(subscribers); start += d.batchSize {
		end := start + d.batchSize
		if end > len(subscribers) {
			end = len(subscribers)
		}
		batch := queue.Batch{
			Project:       project,
			SourceStream:  sourcePath,
			SubscriberIDs: subscribers[start:end],
			Payload:       payload,
			ContentType:   contentType,
			FanoutSeq:     d.subs.NextFanoutSeq(sourcePath),
		}
		if err := d.q.Send(ctx, batch); err != nil {
			return batches, engineerr.New(engineerr.CodeBatchBuildFailed, "queue send failed: %v", err)
		}
		batches++
	}
	return batches, nil
}

// ConsumeBatch performs the queued-path per-subscriber append described in
// spec.md §4.7 step 4: idempotent producer headers
// producer_id="fanout:<source>:<fanout_seq>", epoch=0, seq=<subscriber_index>
// so redelivery of the same batch is always safe.
func (d *Dispatcher) ConsumeBatch(ctx context.Context, batch queue.Batch) error {
	for i, estuaryID := range batch.SubscriberIDs {
		path, err := offsetv.ParseStreamPath(batch.Project + "/" + estuaryID)
		if err != nil {
			continue
		}
		actor, err := d.manager.GetOrCreate(path)
		if err != nil {
			d.logger.Warn("fanout: queued consume could not open sink actor", zap.String("estuary", estuaryID), zap.Error(err))
			continue
		}
		producer := engine.ProducerHeaders{
			ID:      "fanout:" + batch.SourceStream + ":" + itoa(batch.FanoutSeq),
			Epoch:   0,
			Seq:     int64(i),
			Present: true,
		}
		if _, err := actor.Append(ctx, engine.AppendInput{Payload: batch.Payload, ContentType: batch.ContentType, Producer: producer}); err != nil {
			if e, ok := engineerr.As(err); ok && e.Code == engineerr.CodeStreamNotFound {
				continue
			}
			d.logger.Warn("fanout: queued append failed", zap.String("estuary", estuaryID), zap.Error(err))
		}
	}
	return nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
