package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
)

// AzureClient consumes producer events from a session-enabled queue. The
// document id is the session id, so one document's events arrive in order.
type AzureClient struct {
	client      *azservicebus.Client
	maxMessages int
}

func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, err
	}

	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}
	return &AzureClient{client: client, maxMessages: maxMessages}, nil
}

// StartConsumers accepts sessions until ctx is done.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	var wg sync.WaitGroup
	defer wg.Wait()

	// Loop continuously to handle reconnections
	for {
		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(2 * time.Second):
				}
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		wg.Add(1)
		go func() {
			defer wg.Done()
			a.handleSession(ctx, sessionReceiver, processor)
		}()
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := receiver.Close(closeCtx); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, a.maxMessages, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			// No more messages in this session
			return
		}

		log.Info().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			err := processor.ProcessMessage(ctx, message)
			a.settle(receiver, message, err)
		}
	}
}

// settle completes, abandons or dead-letters message according to err. A
// settlement that fails lets the lock expire and the message is redelivered.
func (a *AzureClient) settle(receiver *azservicebus.SessionReceiver, message *azservicebus.ReceivedMessage, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch Classify(err) {
	case DispositionComplete:
		if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Msgf("(CompleteMessage) err: %v", err)
		}
	case DispositionAbandon:
		log.Warn().Err(err).Uint32("deliveryCount", message.DeliveryCount).Msgf("Retrying message '%s'", message.MessageID)
		if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Msgf("(AbandonMessage) err: %v", err)
		}
	case DispositionDeadLetter:
		log.Error().Err(err).Msgf("Dead-lettering message '%s'", message.MessageID)
		reason := deadLetterReason(err)
		description := err.Error()
		if err := receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		}); err != nil {
			log.Error().Err(err).Msgf("(DeadLetterMessage) err: %v", err)
		}
	}
}
