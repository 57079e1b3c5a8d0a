// Copyright 2025 Mailwire Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mailwire

import (
	"context"
	"log/slog"
	"time"

	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/messaging"
	"github.com/ltngt-ai/mailwire/transport"
)

// Client is the main entry point for mailwire. It wires the transport,
// the mail adapter, the deduplicating send queue, and the handler registry
// into one resilient mail channel.
type Client struct {
	transport *transport.Transport
	adapter   *messaging.Adapter
	queue     *messaging.SendQueue
	registry  *messaging.HandlerRegistry

	drainCancel context.CancelFunc
}

// clientConfig holds client construction options.
type clientConfig struct {
	logger           *slog.Logger
	userEmail        string
	transportOptions []transport.Option
	queueOptions     []messaging.QueueOption
	drainInterval    time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithUserEmail sets the mailbox address announced on connect.
func WithUserEmail(email string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.userEmail = email
	}
}

// WithTransportOptions forwards options to the underlying transport.
func WithTransportOptions(opts ...transport.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, opts...)
	}
}

// WithQueueOptions forwards options to the send queue.
func WithQueueOptions(opts ...messaging.QueueOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueOptions = append(cfg.queueOptions, opts...)
	}
}

// WithDrainInterval sets how often the send queue is polled for buffered
// mail. Zero keeps the default.
func WithDrainInterval(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.drainInterval = d
	}
}

// NewClient creates a client for the given socket URL. The queue drain
// starts immediately; mail buffered before Connect is delivered once the
// channel is up.
func NewClient(url string, opts ...ClientOption) *Client {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	transportOpts := append([]transport.Option{transport.WithLogger(cfg.logger)}, cfg.transportOptions...)
	t := transport.NewTransport(url, transportOpts...)

	adapter := messaging.NewAdapter(t,
		messaging.WithAdapterLogger(cfg.logger),
		messaging.WithUserEmail(cfg.userEmail),
	)

	queueOpts := append([]messaging.QueueOption{messaging.WithQueueLogger(cfg.logger)}, cfg.queueOptions...)
	queue := messaging.NewSendQueue(queueOpts...)

	registry := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(cfg.logger))

	// Unsolicited inbound mail flows through the registry; reply waits
	// subscribe independently and are unaffected.
	adapter.Subscribe(func(m contracts.Mail) {
		registry.Process(context.Background(), m)
	})

	drainCtx, drainCancel := context.WithCancel(context.Background())
	go queue.Drain(drainCtx, cfg.drainInterval, func(m contracts.Mail) error {
		_, err := adapter.SendMail(m)
		return err
	})

	return &Client{
		transport:   t,
		adapter:     adapter,
		queue:       queue,
		registry:    registry,
		drainCancel: drainCancel,
	}
}

// Connect opens the channel and triggers the identity handshake.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Transport returns the underlying connection transport.
func (c *Client) Transport() *transport.Transport {
	return c.transport
}

// Adapter returns the mail adapter.
func (c *Client) Adapter() *messaging.Adapter {
	return c.adapter
}

// Queue returns the deduplicating send queue.
func (c *Client) Queue() *messaging.SendQueue {
	return c.queue
}

// Registry returns the inbound mail handler registry.
func (c *Client) Registry() *messaging.HandlerRegistry {
	return c.registry
}

// EnqueueMail buffers a mail through the dedup queue; it reaches the wire
// via the drain loop. Returns the queue id.
func (c *Client) EnqueueMail(mail contracts.Mail) (string, error) {
	return c.queue.Enqueue(mail)
}

// SendMailTo sends immediately, bypassing the queue.
func (c *Client) SendMailTo(to, subject, body string, opts *messaging.SendOptions) (contracts.Mail, error) {
	return c.adapter.SendMailTo(to, subject, body, opts)
}

// Request sends a mail and waits for its correlated reply.
func (c *Client) Request(ctx context.Context, mail contracts.Mail, timeout time.Duration) (contracts.Mail, error) {
	return c.adapter.Request(ctx, mail, timeout)
}

// Close tears down the drain loop, the queue, and the connection.
func (c *Client) Close() error {
	c.drainCancel()
	c.queue.Close()
	return c.transport.Disconnect()
}
