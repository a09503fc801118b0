package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name, id string
}

func (e *entry) Name() string        { return e.name }
func (e *entry) ContainerID() string { return e.id }

func TestRegistry_ResolveByNameAndID(t *testing.T) {
	r := New[*entry]()
	audio := &entry{name: "hassio_audio", id: "abc"}
	dns := &entry{name: "hassio_dns", id: "def"}
	r.Register(audio)
	r.Register(dns)

	got, ok := r.Resolve("hassio_audio", "")
	require.True(t, ok)
	assert.Same(t, audio, got)

	got, ok = r.Resolve("renamed", "def")
	require.True(t, ok)
	assert.Same(t, dns, got)

	_, ok = r.Resolve("unmanaged", "zzz")
	assert.False(t, ok)

	assert.Equal(t, []*entry{audio, dns}, r.List())

	r.Unregister("hassio_audio")
	_, ok = r.Get("hassio_audio")
	assert.False(t, ok)
}

func TestRegistry_LockSerializesSameName(t *testing.T) {
	r := New[*entry]()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Lock("homeassistant")
			defer r.Unlock("homeassistant")
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestRegistry_DifferentNamesConcurrent(t *testing.T) {
	r := New[*entry]()
	r.Lock("hassio_audio")
	defer r.Unlock("hassio_audio")

	done := make(chan struct{})
	go func() {
		r.Lock("hassio_dns")
		r.Unlock("hassio_dns")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different name blocked")
	}
}
