package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_SubscribeInOrder(t *testing.T) {
	var e Emitter[int]
	var got []string

	e.Subscribe(func(v int) { got = append(got, "a") })
	sub := e.Subscribe(func(v int) { got = append(got, "b") })
	e.Subscribe(func(v int) { got = append(got, "c") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	sub.Dispose()
	sub.Dispose()
	got = nil
	e.Emit(2)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Equal(t, 2, e.Len())
}

func TestEmitter_OnceFiresOnce(t *testing.T) {
	var e Emitter[string]
	var got []string

	e.Once(func(v string) { got = append(got, v) })
	assert.Equal(t, 1, e.Len())

	e.Emit("first")
	e.Emit("second")
	assert.Equal(t, []string{"first"}, got)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_OnceDisposedBeforeFiring(t *testing.T) {
	var e Emitter[int]
	fired := false

	sub := e.Once(func(int) { fired = true })
	sub.Dispose()
	e.Emit(1)

	assert.False(t, fired)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_OnceConcurrentEmit(t *testing.T) {
	var e Emitter[int]
	var mu sync.Mutex
	calls := 0

	e.Once(func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			e.Emit(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, calls)
}

func TestEmitter_SubscribeDuringEmit(t *testing.T) {
	var e Emitter[int]
	var late []int

	e.Subscribe(func(v int) {
		if v == 1 {
			e.Subscribe(func(v int) { late = append(late, v) })
		}
	})

	e.Emit(1)
	assert.Empty(t, late)
	e.Emit(2)
	assert.Equal(t, []int{2}, late)
}

func TestEmitter_Clear(t *testing.T) {
	var e Emitter[int]
	fired := false
	sub := e.Subscribe(func(int) { fired = true })

	e.Clear()
	e.Emit(1)
	sub.Dispose()

	assert.False(t, fired)
	assert.Equal(t, 0, e.Len())
}

func TestSubscription_NilDispose(t *testing.T) {
	var sub *Subscription
	assert.NotPanics(t, sub.Dispose)
}
