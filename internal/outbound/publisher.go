package outbound

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/messaging"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/tracing"
)

// ErrDeadLettered is returned once a message has been parked in the dead
// letter table after failing for good
var ErrDeadLettered = errors.New("message dead-lettered")

// Publisher sends events to the broker at least once
type Publisher struct {
	producer messaging.Producer
	store    repositories.Store
	policy   retry.Policy
	timeout  time.Duration
	metrics  *metrics.Metrics
	tracer   tracing.Tracer
	log      zerolog.Logger
}

func NewPublisher(producer messaging.Producer, store repositories.Store, policy retry.Policy, timeout time.Duration, m *metrics.Metrics, tracer tracing.Tracer, log zerolog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		producer: producer,
		store:    store,
		policy:   policy,
		timeout:  timeout,
		metrics:  m,
		tracer:   tracer,
		log:      log,
	}
}

// Publish sends env keyed by its order id
func (p *Publisher) Publish(ctx context.Context, env events.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s envelope", env.EventType)
	}
	return p.PublishRaw(ctx, env.EventType, env.PartitionKey(), body)
}

// PublishRaw sends an already encoded event. Transient broker errors are
// retried with backoff; permanent or exhausted failures are dead-lettered
// and reported as ErrDeadLettered.
func (p *Publisher) PublishRaw(ctx context.Context, topic, key string, body []byte) error {
	defer p.tracer.StartSegment(newrelic.FromContext(ctx), "publish/"+topic).End()

	runs, err := retry.Do(ctx, p.policy, classifyBroker, func() error {
		sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.producer.Send(sendCtx, topic, key, body)
	})
	p.metrics.RecordResult(metrics.PublishErrorRate, err)
	if err == nil {
		p.metrics.IncrementCounter(metrics.OutboxPublished)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.log.Error().Err(err).Str("topic", topic).Str("key", key).Int("attempts", runs).Msg("Publish failed, dead-lettering")
	letter := &models.DeadLetter{
		ID:           uuid.New(),
		Stage:        models.StagePublish,
		Kind:         models.OutboxEvent,
		Topic:        topic,
		PartitionKey: key,
		Payload:      body,
		Error:        err.Error(),
		Attempts:     runs,
	}
	if derr := p.store.DeadLetters().Create(ctx, letter); derr != nil {
		return errors.Wrap(derr, "failed to dead-letter event")
	}
	p.metrics.IncrementCounter(metrics.OutboxDeadLettered)
	return errors.Wrap(ErrDeadLettered, err.Error())
}

func classifyBroker(err error) retry.Class {
	if messaging.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	return retry.Transient
}
