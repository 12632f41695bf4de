package ingress

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/metrics"
)

var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Delivery is a broker message waiting for acknowledgement
type Delivery interface {
	Body() []byte
	// Key is the broker partition key: session id or message key
	Key() string
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
}

// IngestFunc processes one raw event
type IngestFunc func(ctx context.Context, raw []byte) error

// Dispatcher fans deliveries out to a fixed set of workers. Deliveries with
// the same partition key always land on the same worker, so events of one
// order are applied in arrival order while different orders run in parallel.
type Dispatcher struct {
	ingest  IngestFunc
	metrics *metrics.Metrics
	log     zerolog.Logger
	queues  []chan Delivery

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	queueCapacityAlertThreshold float64
}

func NewDispatcher(ingest IngestFunc, workers, queueSize int, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ingest:                      ingest,
		metrics:                     m,
		log:                         log,
		queues:                      make([]chan Delivery, workers),
		ctx:                         ctx,
		cancel:                      cancel,
		queueCapacityAlertThreshold: 0.8,
	}
	for i := range d.queues {
		d.queues[i] = make(chan Delivery, queueSize)
		d.wg.Add(1)
		go d.worker(i, d.queues[i])
	}
	go d.monitorBacklog()

	d.log.Info().Int("workers", workers).Int("queue_size", queueSize).Msg("Started event dispatcher")
	return d
}

// PartitionKey picks the ordering key of a delivery: the broker key, or the
// orderId carried by the event when the broker has none
func PartitionKey(delivery Delivery) string {
	if key := delivery.Key(); key != "" {
		return key
	}
	env, err := events.Decode(delivery.Body())
	if err != nil {
		return ""
	}
	return env.PartitionKey()
}

// Partition returns the worker index for key
func Partition(key string, workers int) int {
	return int(xxhash.Sum64String(key) % uint64(workers))
}

// Dispatch queues a delivery on its partition's worker. It blocks while the
// worker queue is full so the broker stops handing out work.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}

	queue := d.queues[Partition(PartitionKey(delivery), len(d.queues))]
	select {
	case queue <- delivery:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) worker(id int, queue <-chan Delivery) {
	defer d.wg.Done()

	for delivery := range queue {
		if d.ctx.Err() != nil {
			d.settle(delivery, context.Canceled)
			continue
		}
		// a unit that has started runs to completion; ingest bounds it with
		// its handler timeout
		start := time.Now()
		err := d.ingest(context.WithoutCancel(d.ctx), delivery.Body())
		d.settle(delivery, err)
		d.log.Debug().Int("worker", id).Dur("elapsed", time.Since(start)).Msg("Delivery handled")
	}
	d.log.Debug().Int("worker", id).Msg("Worker shutting down")
}

// settle completes or abandons a delivery. Settlement must not depend on the
// dispatcher context, which is cancelled during shutdown.
func (d *Dispatcher) settle(delivery Delivery, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		if aerr := delivery.Abandon(ctx); aerr != nil {
			d.log.Warn().Err(aerr).Msg("Failed to abandon delivery")
		}
		return
	}
	if cerr := delivery.Complete(ctx); cerr != nil {
		d.log.Warn().Err(cerr).Msg("Failed to complete delivery")
	}
}

func (d *Dispatcher) monitorBacklog() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			backlog, capacity := d.Backlog()
			d.metrics.SetGauge(metrics.DispatcherBacklog, int64(backlog))
			if capacity > 0 && float64(backlog)/float64(capacity) >= d.queueCapacityAlertThreshold {
				d.log.Warn().Int("backlog", backlog).Int("capacity", capacity).Msg("Dispatcher queues near capacity")
			}
		}
	}
}

// Backlog returns the queued deliveries and the total queue capacity
func (d *Dispatcher) Backlog() (int, int) {
	backlog, capacity := 0, 0
	for _, q := range d.queues {
		backlog += len(q)
		capacity += cap(q)
	}
	return backlog, capacity
}

// Stop rejects new deliveries, abandons the queued ones and waits until the
// in-flight ones are settled
func (d *Dispatcher) Stop() {
	d.log.Info().Msg("Stopping event dispatcher...")
	d.cancel()

	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info().Msg("Event dispatcher stopped")
}
