package central

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLastWriterWins(t *testing.T) {
	r := newConnRegistry()
	old := newFakePeer("a:1")
	fresh := newFakePeer("a:2")

	assert.Nil(t, r.bind("CP001", KindCP, old))
	assert.Same(t, old, r.bind("CP001", KindCP, fresh).(*fakePeer))
	assert.Same(t, fresh, r.lookup("CP001").(*fakePeer))
}

func TestRegistryRebindSamePeerReturnsNil(t *testing.T) {
	r := newConnRegistry()
	p := newFakePeer("a:1")

	r.bind("DRV01", KindDriver, p)
	assert.Nil(t, r.bind("DRV01", KindDriver, p), "rebinding the same connection must not close it")
}

func TestRegistryUnbindIsConditional(t *testing.T) {
	r := newConnRegistry()
	old := newFakePeer("a:1")
	fresh := newFakePeer("a:2")
	r.bind("CP001", KindCP, old)
	r.bind("CP001", KindCP, fresh)

	assert.False(t, r.unbind("CP001", old), "stale teardown must lose the race")
	assert.Same(t, fresh, r.lookup("CP001").(*fakePeer))

	assert.True(t, r.unbind("CP001", fresh))
	assert.Nil(t, r.lookup("CP001"))
}

func TestRegistryMonitorNamespaceIsSeparate(t *testing.T) {
	r := newConnRegistry()
	engine := newFakePeer("a:1")
	mon := newFakePeer("b:1")

	r.bind("CP001", KindCP, engine)
	r.bindMonitor("CP001", mon)

	assert.Same(t, engine, r.lookup("CP001").(*fakePeer), "monitor must not shadow the engine")
	assert.Same(t, mon, r.monitor("CP001").(*fakePeer))

	assert.False(t, r.unbindMonitor("CP001", engine))
	assert.True(t, r.unbindMonitor("CP001", mon))
	assert.Same(t, engine, r.lookup("CP001").(*fakePeer))
}

func TestRegistryCounts(t *testing.T) {
	r := newConnRegistry()
	r.bind("CP001", KindCP, newFakePeer("a:1"))
	r.bind("CP002", KindCP, newFakePeer("a:2"))
	r.bind("DRV01", KindDriver, newFakePeer("b:1"))
	r.bindMonitor("CP001", newFakePeer("c:1"))

	assert.Equal(t, 2, r.countKind(KindCP))
	assert.Equal(t, 1, r.countKind(KindDriver))
	assert.Equal(t, 1, r.countKind(KindMonitor))
	assert.Equal(t, 4, r.total())
}
