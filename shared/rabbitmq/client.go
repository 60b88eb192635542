package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client is a RabbitMQ connection with the exchange, queue and binding
// declared. Messages are published persistent; consumers ack manually.
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error
	connected bool
}

// NewClient dials the broker, retrying per config, and declares the topology.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}
	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	return client, nil
}

func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := c.declareTopology(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return err
	}

	c.closeChan = make(chan *amqp.Error)
	c.channel.NotifyClose(c.closeChan)
	c.connected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
	)
	return nil
}

func (c *Client) declareTopology() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.ExchangeDurable,
		c.config.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.config.QueueName,
		c.config.QueueDurable,
		c.config.QueueAutoDelete,
		c.config.QueueExclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = c.channel.QueueBind(
		c.config.QueueName,
		c.config.RoutingKey,
		c.config.ExchangeName,
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (c *Client) publishOnce(ctx context.Context, body []byte, contentType string) error {
	return c.channel.PublishWithContext(
		ctx,
		c.config.ExchangeName,
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Publish sends one persistent message without retrying.
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if !c.connected {
		return fmt.Errorf("not connected to RabbitMQ")
	}
	if err := c.publishOnce(ctx, body, contentType); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithRetry sends a persistent message, retrying transient failures
// with exponential backoff per the publish config.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if !c.connected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	delay := c.config.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * mult)
		}

		lastErr = c.publishOnce(ctx, body, contentType)
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("Published to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		c.logger.Warn("Failed to publish to RabbitMQ",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.String("error", lastErr.Error()),
		)
	}

	return fmt.Errorf("failed to publish after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume starts delivering messages from the queue. Auto-ack is off; the
// consumer decides ack or nack per message.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	if !c.connected {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	deliveries, err := c.channel.Consume(
		c.config.QueueName,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Consuming from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
	)
	return deliveries, nil
}

// GetChannel exposes the channel for operations like Qos and per-delivery
// acks.
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}

// IsConnected reports whether the underlying connection is open.
func (c *Client) IsConnected() bool {
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// Close shuts down the channel and connection.
func (c *Client) Close() error {
	c.connected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.String("error", err.Error()),
			)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.String("error", err.Error()),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}
