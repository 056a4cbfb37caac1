package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultExchange is the topic exchange execution events are published to.
const DefaultExchange = "stepflow.events"

// Sender publishes a single AMQP message. Satisfied by *Connection.
type Sender interface {
	Send(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Message is the JSON body of every published event.
type Message struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status,omitempty"`
	Progress    int                    `json:"progress"`
	StepID      string                 `json:"step_id,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// PublisherConfig configures an EventPublisher.
type PublisherConfig struct {
	Exchange string
	Buffer   int
	Timeout  time.Duration
}

// EventPublisher forwards execution events to an AMQP exchange. Events are
// queued and sent from a single goroutine so the runner never waits on the
// broker; when the queue is full the event is dropped.
type EventPublisher struct {
	sender   Sender
	exchange string
	timeout  time.Duration
	logger   *slog.Logger

	queue   chan Message
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewEventPublisher starts the send loop. Call Close to drain and stop it.
func NewEventPublisher(sender Sender, cfg PublisherConfig, logger *slog.Logger) *EventPublisher {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &EventPublisher{
		sender:   sender,
		exchange: cfg.Exchange,
		timeout:  cfg.Timeout,
		logger:   logger,
		queue:    make(chan Message, cfg.Buffer),
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

// Handle queues evt for publishing. It has the streaming.Handler signature.
func (p *EventPublisher) Handle(_ context.Context, evt schema.ExecutionEvent) {
	msg := newMessage(evt)
	defer func() {
		// Handle raced with Close.
		if recover() != nil {
			p.dropped.Add(1)
		}
	}()
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("amqp event queue full, dropping event",
			"type", msg.Type, "execution_id", msg.ExecutionID)
	}
}

func newMessage(evt schema.ExecutionEvent) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      evt.Type,
		StepID:    evt.StepID,
		Error:     evt.Error,
		Timestamp: evt.Timestamp,
	}
	if e := evt.Execution; e != nil {
		msg.ExecutionID = e.ID
		msg.WorkflowID = e.WorkflowID
		msg.Status = e.Status
		msg.Progress = e.Progress
	}
	return msg
}

func (p *EventPublisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.send(msg); err != nil {
			p.failed.Add(1)
			p.logger.Error("publish execution event",
				"type", msg.Type, "execution_id", msg.ExecutionID, "error", err)
		}
	}
}

func (p *EventPublisher) send(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err = p.sender.Send(ctx, p.exchange, msg.Type, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return err
	}
	p.logger.Debug("published execution event",
		"exchange", p.exchange, "routing_key", msg.Type, "message_id", msg.ID)
	return nil
}

// Dropped returns how many events were discarded because the queue was full.
func (p *EventPublisher) Dropped() int64 { return p.dropped.Load() }

// Failed returns how many sends the broker rejected.
func (p *EventPublisher) Failed() int64 { return p.failed.Load() }

// Close stops accepting events and waits until the queue is drained or ctx ends.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.queue) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
