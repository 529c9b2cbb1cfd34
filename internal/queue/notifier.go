package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Notifier wakes delivery workers early after a job is enqueued. It is an
// optimisation only: workers keep polling, so a lost wake-up costs at most
// one poll interval.
type Notifier interface {
	Notify(ctx context.Context) error
	// Wake delivers at most one pending signal; signals coalesce.
	Wake() <-chan struct{}
	Close() error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context) error { return nil }
func (NopNotifier) Wake() <-chan struct{}          { return nil }
func (NopNotifier) Close() error                   { return nil }

// LocalNotifier wakes workers running in the same process as the producer.
type LocalNotifier struct {
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

func (n *LocalNotifier) Notify(context.Context) error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

func (n *LocalNotifier) Wake() <-chan struct{} { return n.ch }
func (n *LocalNotifier) Close() error          { return nil }

// RedisNotifier fans wake-ups out to every worker process through a Redis
// pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   *LocalNotifier
	log     zerolog.Logger

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisNotifier(client *redis.Client, channel string, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: channel,
		local:   NewLocalNotifier(),
		log:     log,
		done:    make(chan struct{}),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.client.Publish(ctx, n.channel, "1").Err()
}

// Wake subscribes on first use and forwards every published message.
func (n *RedisNotifier) Wake() <-chan struct{} {
	n.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		sub := n.client.Subscribe(ctx, n.channel)
		go func() {
			defer close(n.done)
			defer sub.Close()
			ch := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					_ = n.local.Notify(ctx)
				}
			}
		}()
		n.log.Info().Str("channel", n.channel).Msg("subscribed to wake-up channel")
	})
	return n.local.Wake()
}

func (n *RedisNotifier) Close() error {
	// a Wake after Close must not subscribe
	n.once.Do(func() {})
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	return n.client.Close()
}
