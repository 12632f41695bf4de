package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/config"
)

const sessionIdleTimeout = 30 * time.Second

// ServiceBus consumes a session-enabled queue and sends to another. Sessions
// carry the order id, so one order's events arrive in order.
type ServiceBus struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
	batchSize int
	source    string
	log       zerolog.Logger
}

func NewServiceBus(cfg config.ServiceBusConfig, source string, log zerolog.Logger) (*ServiceBus, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sb := &ServiceBus{
		client:    client,
		queueName: cfg.QueueName,
		batchSize: cfg.BatchSize,
		source:    source,
		log:       log,
	}
	if sb.batchSize <= 0 {
		sb.batchSize = 10
	}

	if cfg.OutboundQueue != "" {
		sender, err := client.NewSender(cfg.OutboundQueue, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create Service Bus sender")
		}
		sb.sender = sender
	}
	return sb, nil
}

// Consume accepts sessions one after another and reads each on its own
// goroutine until it goes idle
func (s *ServiceBus) Consume(ctx context.Context, handler HandlerFunc) error {
	s.log.Info().Str("queue", s.queueName).Msg("Starting Service Bus consumer")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		receiver, err := s.client.AcceptNextSessionForQueue(ctx, s.queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				s.log.Debug().Msg("No session available, waiting...")
				continue
			}
			return errors.Wrap(err, "failed to accept session")
		}

		s.log.Debug().Str("session_id", receiver.SessionID()).Msg("Session accepted")
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ctx, receiver, handler)
		}()
	}
}

func (s *ServiceBus) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, handler HandlerFunc) {
	var pending sync.WaitGroup
	defer func() {
		// completions go through the receiver, so it must outlive them
		pending.Wait()
		if err := receiver.Close(context.Background()); err != nil {
			s.log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error closing session")
		}
	}()

	for {
		receiveCtx, cancel := context.WithTimeout(ctx, sessionIdleTimeout)
		messages, err := receiver.ReceiveMessages(receiveCtx, s.batchSize, nil)
		cancel()

		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
				s.log.Error().Err(err).Str("session_id", receiver.SessionID()).Msg("Error receiving messages")
			}
			return
		}
		if len(messages) == 0 {
			return
		}

		for _, m := range messages {
			pending.Add(1)
			msg := &sbMessage{receiver: receiver, msg: m, done: pending.Done}
			if err := handler(ctx, msg); err != nil {
				s.log.Warn().Err(err).Str("message_id", m.MessageID).Msg("Delivery not handed off, abandoning")
				_ = msg.Abandon(context.Background())
			}
		}
	}
}

// Send publishes body with the key as session id
func (s *ServiceBus) Send(ctx context.Context, topic, key string, body []byte) error {
	if s.sender == nil {
		return Permanent(errors.New("no outbound queue configured"))
	}

	msg := &azservicebus.Message{
		Body:    body,
		Subject: &topic,
		ApplicationProperties: map[string]interface{}{
			"eventType": topic,
			"source":    s.source,
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	}
	if key != "" {
		msg.SessionID = &key
	}

	if err := s.sender.SendMessage(ctx, msg, nil); err != nil {
		return classifyServiceBus(err)
	}
	return nil
}

func classifyServiceBus(err error) error {
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return Permanent(err)
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeUnauthorizedAccess {
		return Permanent(err)
	}
	// the AMQP error type is internal to the SDK, only its condition text is visible
	if strings.Contains(err.Error(), "amqp:not-found") {
		return Permanent(err)
	}
	return errors.Wrap(err, "failed to send Service Bus message")
}

func (s *ServiceBus) Close(ctx context.Context) error {
	if s.sender != nil {
		if err := s.sender.Close(ctx); err != nil {
			return err
		}
	}
	if s.client != nil {
		return s.client.Close(ctx)
	}
	return nil
}

type sbMessage struct {
	receiver *azservicebus.SessionReceiver
	msg      *azservicebus.ReceivedMessage
	done     func()
	once     sync.Once
}

func (m *sbMessage) Body() []byte { return m.msg.Body }

func (m *sbMessage) Key() string {
	if m.msg.SessionID != nil {
		return *m.msg.SessionID
	}
	return ""
}

func (m *sbMessage) Complete(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		defer m.done()
		err = m.receiver.CompleteMessage(ctx, m.msg, nil)
	})
	return err
}

func (m *sbMessage) Abandon(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		defer m.done()
		err = m.receiver.AbandonMessage(ctx, m.msg, nil)
	})
	return err
}
