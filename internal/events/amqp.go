package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/rabbitmq/amqp091-go"
)

const (
	amqpExchangeKind = "topic"
	amqpDialTimeout  = 10 * time.Second
	contentTypeJSON  = "application/json"
)

// Channel is the subset of amqp091.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes events to a durable topic exchange with the event type as routing key.
type AMQPPublisher struct {
	mutex       sync.Mutex
	connection  *amqp091.Connection
	channel     Channel
	exchange    string
	openChannel func() (Channel, error)
}

// NewAMQPPublisher dials amqpURL and declares exchange.
func NewAMQPPublisher(amqpURL string, exchange string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	connection, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	openChannel := func() (Channel, error) {
		channel, err := connection.Channel()
		if err != nil {
			return nil, err
		}
		return channel, nil
	}
	publisher, err := newAMQPPublisher(openChannel, exchange)
	if err != nil {
		_ = connection.Close()
		return nil, err
	}
	publisher.connection = connection
	return publisher, nil
}

func newAMQPPublisher(openChannel func() (Channel, error), exchange string) (*AMQPPublisher, error) {
	if strings.TrimSpace(exchange) == "" {
		return nil, fmt.Errorf("amqp publisher requires an exchange")
	}
	publisher := &AMQPPublisher{exchange: exchange, openChannel: openChannel}
	if err := publisher.reopen(); err != nil {
		return nil, err
	}
	return publisher, nil
}

// Publish sends the event. A failed publish reopens the channel once and retries.
func (publisher *AMQPPublisher) Publish(ctx context.Context, event investment.Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	message := amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.InvestmentID + ":" + event.Type,
		Timestamp:    time.Unix(event.OccurredUnixUTC, 0).UTC(),
		Type:         event.Type,
		Body:         payload,
	}
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	err = publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Type, false, false, message)
	if err == nil {
		return nil
	}
	if reopenErr := publisher.reopen(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Type, false, false, message)
}

// Close closes the channel and the connection.
func (publisher *AMQPPublisher) Close() error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	var closeErrors []error
	if publisher.channel != nil {
		closeErrors = append(closeErrors, publisher.channel.Close())
	}
	if publisher.connection != nil {
		closeErrors = append(closeErrors, publisher.connection.Close())
	}
	return errors.Join(closeErrors...)
}

func (publisher *AMQPPublisher) reopen() error {
	channel, err := publisher.openChannel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(publisher.exchange, amqpExchangeKind, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return fmt.Errorf("declare exchange %s: %w", publisher.exchange, err)
	}
	if publisher.channel != nil {
		_ = publisher.channel.Close()
	}
	publisher.channel = channel
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
