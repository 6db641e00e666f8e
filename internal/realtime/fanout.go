package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/protocol"
	"github.com/charlesng35/threadsync/pkg/logger"
)

// Fanout carries room broadcasts to every authority node, this one included.
type Fanout interface {
	// Start registers the delivery callback. It must be called once before Publish.
	Start(deliver func(protocol.Frame)) error
	Publish(ctx context.Context, frame protocol.Frame) error
	Close() error
}

// LocalFanout delivers broadcasts synchronously inside the process.
type LocalFanout struct {
	mu      sync.RWMutex
	deliver func(protocol.Frame)
}

// NewLocalFanout constructs a single-node fanout.
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{}
}

func (f *LocalFanout) Start(deliver func(protocol.Frame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = deliver
	return nil
}

func (f *LocalFanout) Publish(_ context.Context, frame protocol.Frame) error {
	f.mu.RLock()
	deliver := f.deliver
	f.mu.RUnlock()

	if deliver == nil {
		return errors.New("realtime: fanout not started")
	}
	deliver(frame)
	return nil
}

func (f *LocalFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver = nil
	return nil
}

// DefaultChannelPrefix namespaces the pub/sub channels of thread rooms.
const DefaultChannelPrefix = "threadsync:room:"

// RedisFanout shares rooms between nodes through one pub/sub channel per thread.
type RedisFanout struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisFanout constructs a fanout on client. An empty prefix selects DefaultChannelPrefix.
func NewRedisFanout(client redis.UniversalClient, prefix string) *RedisFanout {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisFanout{
		client: client,
		prefix: prefix,
		log:    logger.WithModule("realtime").With(zap.String("fanout", "redis")),
	}
}

// Start subscribes to every room channel and waits for the subscription to be confirmed.
func (f *RedisFanout) Start(deliver func(protocol.Frame)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pubsub != nil {
		return errors.New("realtime: fanout already started")
	}

	ctx := context.Background()
	pubsub := f.client.PSubscribe(ctx, f.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	f.pubsub = pubsub

	messages := pubsub.Channel()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for msg := range messages {
			frame, err := protocol.ParseFrame([]byte(msg.Payload))
			if err != nil {
				f.log.Warn("dropping malformed broadcast", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			deliver(frame)
		}
	}()
	return nil
}

func (f *RedisFanout) Publish(ctx context.Context, frame protocol.Frame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.prefix+frame.Thread, payload).Err()
}

// Close unsubscribes and waits for in-flight deliveries. The client is owned by the caller.
func (f *RedisFanout) Close() error {
	f.mu.Lock()
	pubsub := f.pubsub
	f.pubsub = nil
	f.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	f.wg.Wait()
	return err
}
