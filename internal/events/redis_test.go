package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisEmitterPublishesEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)

	bus := NewBus()
	emitter, err := NewRedisEmitter(bus, mr.Addr(), "", 0, "evcharging")
	require.NoError(t, err)
	defer emitter.Close()

	// Subscribe on the raw channel an external consumer would use.
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(context.Background(), "evcharging:charging_logs")
	defer pubsub.Close()
	_, err = pubsub.Receive(context.Background())
	require.NoError(t, err)

	local := bus.Subscribe(StreamCharging)

	emitter.Emit(StreamCharging, TypeChargeCompleted, map[string]interface{}{
		"cp_id": "C1", "driver_id": "D1", "total_amount": 3.0,
	})

	// Local bus leg.
	select {
	case ev := <-local:
		assert.Equal(t, TypeChargeCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event did not reach the local bus")
	}

	// Redis leg.
	select {
	case msg := <-pubsub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, TypeChargeCompleted, ev.Type)
		assert.Equal(t, StreamCharging, ev.Stream)
		assert.Equal(t, "C1", ev.Data["cp_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event did not reach redis")
	}

	published, _ := emitter.Stats()
	assert.GreaterOrEqual(t, published, int64(1))
}

func TestRedisEmitterRefusesBadAddress(t *testing.T) {
	bus := NewBus()
	_, err := NewRedisEmitter(bus, "127.0.0.1:1", "", 0, "evcharging")
	assert.Error(t, err)
}

func TestRedisEmitterSurvivesBackendLoss(t *testing.T) {
	mr := miniredis.RunT(t)

	bus := NewBus()
	emitter, err := NewRedisEmitter(bus, mr.Addr(), "", 0, "evcharging")
	require.NoError(t, err)
	defer emitter.Close()

	mr.Close()

	// Emitting into a dead backend must not block or panic; the local bus
	// still sees the event.
	local := bus.Subscribe(StreamSystem)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			emitter.Emit(StreamSystem, TypeCPFault, map[string]interface{}{"cp_id": "C1"})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("emit blocked after backend loss")
	}

	select {
	case ev := <-local:
		assert.Equal(t, TypeCPFault, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("local delivery stopped after backend loss")
	}
}
