// ABOUTME: Concrete message-bus client backed by NATS JetStream
// ABOUTME: Implements dispatch/sendEvent/sendTimer and the task-update/command consumers (§6, C8)

package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/devit-tel/sagapm/pkg/types"
)

const (
	streamName = "SAGAPM"

	dispatchSubjectPrefix = "task.dispatch."
	eventSubjectPrefix    = "event."
	timerSubjectPrefix    = "timer."
	taskUpdateSubject     = "task-update"
	commandSubject        = "command"

	timerDelayHeader = "Sagapm-Timer-Delay-Ms"
)

// Config holds the connection and stream settings for the JetStream bus
// client, mirroring the teacher executor's Config-struct-plus-defaults idiom.
type Config struct {
	URL          string
	StreamPrefix string
	AckWait      time.Duration
	Logger       types.Logger
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		URL:     nats.DefaultURL,
		AckWait: 30 * time.Second,
	}
}

// Client is the concrete C8 bus implementation, backed by one JetStream
// stream covering dispatch/event/timer/task-update/command subjects.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	logger types.Logger
}

// Connect dials NATS, opens a JetStream context, and ensures the backing
// stream exists. It is the one place this package touches the network.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = types.NopLogger{}
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("sagapm"))
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", types.ErrBusUnavailable, cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: open jetstream context: %v", types.ErrBusUnavailable, err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"task.dispatch.>", "event.>", "timer.>", taskUpdateSubject, commandSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: create stream %s: %v", types.ErrBusUnavailable, streamName, err)
	}

	return &Client{conn: conn, js: js, stream: stream, logger: cfg.Logger}, nil
}

// Close drains the connection so in-flight publishes complete.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Drain()
	}
}

// Dispatch publishes a TaskInstance dispatch to task.dispatch.<taskName> for
// worker consumption (§6 "dispatch(task, transactionId, isSystem)").
func (c *Client) Dispatch(ctx context.Context, d types.Dispatch) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: marshal dispatch: %v", types.ErrSerialization, err)
	}
	subject := dispatchSubjectPrefix + d.TaskName
	if _, err := c.js.Publish(ctx, subject, payload, jetstream.WithMsgID(d.TaskID)); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", types.ErrBusUnavailable, subject, err)
	}
	return nil
}

// SendEvent publishes a domain event to event.<transactionId> (§6
// "sendEvent(event)").
func (c *Client) SendEvent(ctx context.Context, e types.DomainEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", types.ErrSerialization, err)
	}
	subject := eventSubjectPrefix + e.TransactionID
	if _, err := c.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", types.ErrBusUnavailable, subject, err)
	}
	return nil
}

// SendTimer publishes a timer message to timer.<transactionId> carrying the
// intended delay in a header (§6 "sendTimer({scheduledAt, task})"). The
// delay itself is realized by the timer consumer: on first delivery it NAKs
// the message with jetstream.Msg.NakWithDelay(delay), so JetStream's own
// redelivery clock does the waiting instead of an in-process timer goroutine
// per outstanding timer (SPEC_FULL.md §4.6).
func (c *Client) SendTimer(ctx context.Context, t types.Timer) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("%w: marshal timer: %v", types.ErrSerialization, err)
	}
	msg := nats.NewMsg(timerSubjectPrefix + t.TransactionID)
	msg.Data = payload
	msg.Header.Set(timerDelayHeader, fmt.Sprintf("%d", t.Delay.Milliseconds()))
	msg.Header.Set(nats.MsgIdHdr, dedupeKey(t))

	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", types.ErrBusUnavailable, msg.Subject, err)
	}
	return nil
}

func dedupeKey(t types.Timer) string {
	return fmt.Sprintf("%s-%s-%s", t.TransactionID, t.TaskID, t.Kind)
}

// UpdateHandler processes one inbound task-update message (§6 "Update
// message shape"). Returning an error leaves the message un-acked so
// JetStream redelivers it.
type UpdateHandler func(ctx context.Context, update types.TaskStatusUpdate) error

// ConsumeTaskUpdates binds a durable pull consumer on the task-update
// subject and invokes handler for every message, acking on success and
// NAKing on handler error so the partition's at-least-once delivery holds
// (§7 "StoreUnavailable/BusUnavailable ... retried").
func (c *Client) ConsumeTaskUpdates(ctx context.Context, durableName string, handler UpdateHandler) error {
	return c.consume(ctx, durableName, taskUpdateSubject, func(ctx context.Context, data []byte) error {
		var update types.TaskStatusUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return fmt.Errorf("%w: unmarshal task-update: %v", types.ErrSerialization, err)
		}
		return handler(ctx, update)
	})
}

// CommandHandler processes one inbound admin command payload (§6 "command").
type CommandHandler func(ctx context.Context, raw json.RawMessage) error

// ConsumeCommands binds a durable pull consumer on the command subject.
func (c *Client) ConsumeCommands(ctx context.Context, durableName string, handler CommandHandler) error {
	return c.consume(ctx, durableName, commandSubject, func(ctx context.Context, data []byte) error {
		return handler(ctx, json.RawMessage(data))
	})
}

// TimerHandler processes one fired timer message (§6 "sendTimer").
type TimerHandler func(ctx context.Context, t types.Timer) error

// ConsumeTimers binds a durable pull consumer across every timer.<transactionId>
// subject and invokes handler once a timer's delay has elapsed. Messages
// still within their delay window are NAKed-with-delay by the shared
// consume loop rather than handed to handler (see pendingDelay).
func (c *Client) ConsumeTimers(ctx context.Context, durableName string, handler TimerHandler) error {
	return c.consume(ctx, durableName, timerSubjectPrefix+">", func(ctx context.Context, data []byte) error {
		var t types.Timer
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("%w: unmarshal timer: %v", types.ErrSerialization, err)
		}
		return handler(ctx, t)
	})
}

func (c *Client) consume(ctx context.Context, durableName, subject string, handle func(context.Context, []byte) error) error {
	cons, err := c.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("%w: create consumer %s: %v", types.ErrBusUnavailable, durableName, err)
	}

	_, err = cons.Consume(func(msg jetstream.Msg) {
		if delay, ok := pendingDelay(msg); ok {
			_ = msg.NakWithDelay(delay)
			return
		}
		if err := handle(ctx, msg.Data()); err != nil {
			c.logger.Error().Str("durable", durableName).Err(err).Msg("task-update handler failed, nak")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("%w: start consuming %s: %v", types.ErrBusUnavailable, subject, err)
	}
	return nil
}

// pendingDelay extracts a still-outstanding timer delay from a message's
// header and reports whether the caller should NAK-and-wait rather than
// deliver it as a fired timer. Messages without the header (dispatch,
// event, task-update, command) are never delayed.
func pendingDelay(msg jetstream.Msg) (time.Duration, bool) {
	raw := msg.Headers().Get(timerDelayHeader)
	if raw == "" {
		return 0, false
	}
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered > 1 {
		return 0, false
	}
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
