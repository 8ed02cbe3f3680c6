// Package eventbus relays push events from subscriptions to their consumers
// in-process, optionally mirroring every message to Redis streams.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"opsconsole/internal/logging"
)

// Topics carried by the relay.
const (
	TopicLogs         = "console.logs"
	TopicAIOutput     = "console.ai_output"
	TopicWorkflowLoop = "console.workflow_loop"
)

const metadataKey = "key"

type Message struct {
	ID      string
	Topic   string
	Key     string
	Payload []byte
}

// Decode unmarshals the JSON payload into out.
func (m Message) Decode(out any) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

type Handler func(context.Context, Message) error

type Options struct {
	// RedisURL enables the stream mirror when set.
	RedisURL     string
	StreamPrefix string
	Buffer       int64
	Logger       *slog.Logger
}

type Relay struct {
	opts   Options
	logger *slog.Logger
	wmLog  watermill.LoggerAdapter

	mu       sync.RWMutex
	running  bool
	handlers map[string]Handler
	pubsub   *gochannel.GoChannel
	mirror   message.Publisher
	redis    *redis.Client
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRelay(opts Options) *Relay {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	opts.StreamPrefix = strings.TrimSpace(opts.StreamPrefix)
	logger := logging.OrDefault(opts.Logger).With("component", "eventbus")
	return &Relay{
		opts:     opts,
		logger:   logger,
		wmLog:    watermill.NewSlogLogger(logger),
		handlers: make(map[string]Handler),
	}
}

func (r *Relay) RegisterHandler(topic string, handler Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("event bus topic is required")
	}
	if handler == nil {
		return fmt.Errorf("event bus handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("event bus handler for %s registered after start", topic)
	}
	r.handlers[topic] = handler
	return nil
}

// Start subscribes every registered handler and connects the mirror.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if url := strings.TrimSpace(r.opts.RedisURL); url != "" {
		options, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("parse relay redis url: %w", err)
		}
		client := redis.NewClient(options)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("connect relay redis: %w", err)
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, r.wmLog)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("create relay stream publisher: %w", err)
		}
		r.redis = client
		r.mirror = publisher
	}

	// Publish waits for the handler so events stay in order and a publish
	// that returned has already been applied.
	r.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            r.opts.Buffer,
		BlockPublishUntilSubscriberAck: true,
	}, r.wmLog)

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for topic, handler := range r.handlers {
		messages, err := r.pubsub.Subscribe(runCtx, topic)
		if err != nil {
			cancel()
			r.closeLocked()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		r.wg.Add(1)
		go r.consume(runCtx, topic, handler, messages)
	}
	r.running = true
	return nil
}

func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	if r.cancel != nil {
		r.cancel()
	}
	r.closeLocked()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return fmt.Errorf("event bus not started")
	}
	return nil
}

// Mirroring reports whether messages are also written to Redis.
func (r *Relay) Mirroring() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mirror != nil
}

// StreamName returns the Redis stream a topic is mirrored to.
func (r *Relay) StreamName(topic string) string {
	if r.opts.StreamPrefix == "" {
		return topic
	}
	return r.opts.StreamPrefix + "." + topic
}

// Publish encodes payload as JSON and returns once the topic's handler has
// run. A failed mirror write is logged and does not fail the publish.
func (r *Relay) Publish(topic string, messageKey string, payload any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("event bus publish topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event bus payload: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return "", fmt.Errorf("event bus not started")
	}
	msg := message.NewMessage(watermill.NewUUID(), encoded)
	msg.Metadata.Set(metadataKey, strings.TrimSpace(messageKey))
	if err := r.pubsub.Publish(topic, msg); err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	if r.mirror != nil {
		mirrored := message.NewMessage(msg.UUID, encoded)
		mirrored.Metadata.Set(metadataKey, strings.TrimSpace(messageKey))
		if err := r.mirror.Publish(r.StreamName(topic), mirrored); err != nil {
			r.logger.Warn("mirror publish failed", "topic", topic, "error", err)
		}
	}
	return msg.UUID, nil
}

func (r *Relay) consume(ctx context.Context, topic string, handler Handler, messages <-chan *message.Message) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			err := handler(ctx, Message{
				ID:      msg.UUID,
				Topic:   topic,
				Key:     msg.Metadata.Get(metadataKey),
				Payload: msg.Payload,
			})
			if err != nil {
				r.logger.Debug("event handler failed", "topic", topic, "id", msg.UUID, "error", err)
			}
			msg.Ack()
		}
	}
}

func (r *Relay) closeLocked() {
	if r.pubsub != nil {
		if err := r.pubsub.Close(); err != nil {
			r.logger.Debug("close relay pubsub", "error", err)
		}
		r.pubsub = nil
	}
	if r.mirror != nil {
		if err := r.mirror.Close(); err != nil {
			r.logger.Debug("close relay mirror", "error", err)
		}
		r.mirror = nil
	}
	if r.redis != nil {
		_ = r.redis.Close()
		r.redis = nil
	}
}
