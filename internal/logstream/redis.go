package logstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/coderunner/internal/config"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// DefaultChannelPrefix is prepended to the execution id to name the channel.
const DefaultChannelPrefix = "coderunner:logs:"

const publishTimeout = 2 * time.Second

// RedisPublisher publishes guest output lines to Redis Pub/Sub, one channel
// per execution. Failures are logged; guest output is never held back.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ tool.OutputPublisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects to cfg.Addr and checks the connection.
func NewRedisPublisher(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisPublisherFromClient(client, cfg.ChannelPrefix, logger), nil
}

// NewRedisPublisherFromClient wraps an existing client. An empty prefix
// selects DefaultChannelPrefix.
func NewRedisPublisherFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}
}

// Channel returns the Pub/Sub channel for executionID.
func (p *RedisPublisher) Channel(executionID string) string {
	return p.prefix + executionID
}

func (p *RedisPublisher) Publish(executionID string, stream sandbox.Stream, line string) {
	p.send(NewLine(executionID, stream, line))
}

// Done publishes a final message on the "end" stream.
func (p *RedisPublisher) Done(executionID string) {
	p.send(Line{ExecutionID: executionID, Stream: StreamEnd, Time: time.Now().UTC()})
}

func (p *RedisPublisher) send(msg Line) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("failed to marshal output line", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(msg.ExecutionID), data).Err(); err != nil {
		p.logger.Warn("failed to publish output line",
			slog.String("execution_id", msg.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe streams the lines published for executionID until ctx is done or
// the end message arrives.
func (p *RedisPublisher) Subscribe(ctx context.Context, executionID string) (<-chan Line, error) {
	pubsub := p.client.Subscribe(ctx, p.Channel(executionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", p.Channel(executionID), err)
	}

	out := make(chan Line)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var line Line
				if err := json.Unmarshal([]byte(msg.Payload), &line); err != nil {
					p.logger.Warn("failed to decode output line", slog.String("error", err.Error()))
					continue
				}
				if line.Stream == StreamEnd {
					return
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping checks the connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
