package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/evgrid/central/internal/logging"
)

// PubSubEmitter mirrors every event onto the local Bus and additionally
// publishes the JSON envelope to one Google Cloud Pub/Sub topic, with the
// stream carried as a message attribute for subscriber-side filtering.
// Delivery is decoupled the same way as the Redis leg: a bounded queue
// drained by one forwarder goroutine, dropping under pressure.
type PubSubEmitter struct {
	bus    *Bus
	client *pubsub.Client
	topic  *pubsub.Topic
	queue  chan *Event
	done   chan struct{}
	wg     sync.WaitGroup
	log    zerolog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewPubSubEmitter connects to Pub/Sub and starts the forwarder, creating
// the topic when it does not exist yet. Extra client options are for
// tests pointing at a fake server.
func NewPubSubEmitter(bus *Bus, projectID, topicID string, opts ...option.ClientOption) (*PubSubEmitter, error) {
	if topicID == "" {
		topicID = "evcharging-events"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, err
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, err
		}
	}

	e := &PubSubEmitter{
		bus:    bus,
		client: client,
		topic:  topic,
		queue:  make(chan *Event, 256),
		done:   make(chan struct{}),
		log:    logging.Component("events"),
	}

	e.wg.Add(1)
	go e.forward()

	e.log.Info().Str("project", projectID).Str("topic", topicID).Msg("pubsub event publisher connected")
	return e, nil
}

// Emit publishes locally and enqueues the Pub/Sub mirror.
func (e *PubSubEmitter) Emit(stream, eventType string, data map[string]interface{}) {
	event := NewEvent(stream, eventType, data)
	e.bus.Publish(event)

	select {
	case e.queue <- event:
	default:
		e.dropped.Add(1)
	}
}

func (e *PubSubEmitter) forward() {
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

func (e *PubSubEmitter) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		e.log.Warn().Err(err).Msg("encode event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := e.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"stream":     event.Stream,
			"event_type": event.Type,
			"component":  event.Component,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		e.dropped.Add(1)
		e.log.Warn().Err(err).Str("stream", event.Stream).Msg("publish event")
		return
	}
	e.published.Add(1)
}

// Stats returns counts of events published to and dropped on the Pub/Sub
// leg.
func (e *PubSubEmitter) Stats() (published, dropped int64) {
	return e.published.Load(), e.dropped.Load()
}

// Close stops the forwarder, flushes the topic, and closes the client.
func (e *PubSubEmitter) Close() error {
	close(e.done)
	e.wg.Wait()
	e.topic.Stop()
	return e.client.Close()
}
