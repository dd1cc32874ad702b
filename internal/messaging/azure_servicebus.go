package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backoffice/services/fulfillment/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	ProcessMessages(ctx context.Context, queueName string, handler MessageHandler) error
	Close() error
}

// MessageHandler consumes one raw message body. A returned error leaves
// the message on the queue for redelivery.
type MessageHandler func(ctx context.Context, body []byte) error

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	queueName  string
	clientType string
}

// NewServiceBusClient creates a new Azure Service Bus client with a
// sender on the notification queue
func NewServiceBusClient(cfg config.ServiceBusConfig, clientType string) (ServiceBusClient, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.NotificationQueue, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:     client,
		sender:     sender,
		queueName:  cfg.NotificationQueue,
		clientType: clientType,
	}, nil
}

// SendMessage sends a message to the notification queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": s.clientType,
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// ProcessMessages receives from the named queue and feeds each message
// to the handler until the context is cancelled. Handled messages are
// completed; failed ones are abandoned for redelivery.
func (s *serviceBusClient) ProcessMessages(ctx context.Context, queueName string, handler MessageHandler) error {
	receiver, err := s.client.NewReceiverForQueue(queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Warn().Err(err).Str("queue", queueName).Msg("Failed to close Service Bus receiver")
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive messages: %w", err)
		}

		for _, message := range messages {
			if err := handler(ctx, message.Body); err != nil {
				log.Error().Err(err).
					Str("queue", queueName).
					Str("message_id", message.MessageID).
					Msg("Message handling failed, abandoning for redelivery")
				if abandonErr := receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}
