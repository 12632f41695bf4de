package outbound

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"example.com/backstage/fulfillment/internal/compensation"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
)

// EnqueueEvent writes an event for payload to the outbox of the current
// transaction. The relay publishes it after commit.
func EnqueueEvent(ctx context.Context, outbox repositories.OutboxRepository, source, eventType string, payload interface{}) (events.Envelope, error) {
	env, err := events.New(eventType, source, payload)
	if err != nil {
		return events.Envelope{}, err
	}
	body, err := env.Marshal()
	if err != nil {
		return events.Envelope{}, errors.Wrapf(err, "failed to marshal %s envelope", eventType)
	}

	msg := &models.OutboxMessage{
		Kind:         models.OutboxEvent,
		Topic:        eventType,
		PartitionKey: env.PartitionKey(),
		Payload:      body,
	}
	if err := outbox.Enqueue(ctx, msg); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}

// EnqueueCommands writes inventory commands to the outbox of the current
// transaction
func EnqueueCommands(ctx context.Context, outbox repositories.OutboxRepository, commands ...compensation.Command) error {
	if len(commands) == 0 {
		return nil
	}
	messages := make([]*models.OutboxMessage, 0, len(commands))
	for _, cmd := range commands {
		body, err := json.Marshal(cmd)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal %s command", cmd.Type)
		}
		messages = append(messages, &models.OutboxMessage{
			Kind:         models.OutboxCommand,
			Topic:        string(cmd.Type),
			PartitionKey: cmd.OrderID,
			Payload:      body,
		})
	}
	return outbox.Enqueue(ctx, messages...)
}
