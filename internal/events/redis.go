package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/evgrid/central/internal/logging"
)

// RedisEmitter mirrors every event onto the local Bus and additionally
// PUBLISHes the JSON envelope to a Redis channel `<prefix>:<stream>` for
// out-of-process consumers. Delivery is decoupled through a bounded queue
// drained by one forwarder goroutine: a slow or dead Redis never blocks a
// session operation, it only drops events.
type RedisEmitter struct {
	bus    *Bus
	client *redis.Client
	prefix string
	queue  chan *Event
	done   chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewRedisEmitter connects to Redis and starts the forwarder. The
// connection is verified with a ping so a misconfigured address surfaces
// at startup instead of as silent drops.
func NewRedisEmitter(bus *Bus, addr, password string, db int, prefix string) (*RedisEmitter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if prefix == "" {
		prefix = "evcharging"
	}

	e := &RedisEmitter{
		bus:    bus,
		client: client,
		prefix: prefix,
		queue:  make(chan *Event, 256),
		done:   make(chan struct{}),
		log:    logging.Component("events"),
	}

	e.wg.Add(1)
	go e.forward()

	e.log.Info().Str("addr", addr).Str("prefix", prefix).Msg("redis event publisher connected")
	return e, nil
}

// Emit publishes locally and enqueues the Redis mirror.
func (e *RedisEmitter) Emit(stream, eventType string, data map[string]interface{}) {
	event := NewEvent(stream, eventType, data)
	e.bus.Publish(event)

	select {
	case e.queue <- event:
	default:
		e.dropped.Add(1)
	}
}

func (e *RedisEmitter) forward() {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.queue:
			e.publish(event)
		case <-e.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case event := <-e.queue:
					e.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (e *RedisEmitter) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		e.log.Warn().Err(err).Msg("encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	channel := e.prefix + ":" + event.Stream
	if err := e.client.Publish(ctx, channel, payload).Err(); err != nil {
		e.dropped.Add(1)
		e.log.Warn().Err(err).Str("channel", channel).Msg("publish event")
		return
	}
	e.published.Add(1)
}

// Stats returns counts of events published to and dropped on the Redis leg.
func (e *RedisEmitter) Stats() (published, dropped int64) {
	return e.published.Load(), e.dropped.Load()
}

// Close stops the forwarder and closes the client.
func (e *RedisEmitter) Close() error {
	close(e.done)
	e.wg.Wait()
	return e.client.Close()
}
