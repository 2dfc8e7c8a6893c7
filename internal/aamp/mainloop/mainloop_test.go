package mainloop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_RunsOneTaskAtATime(t *testing.T) {
	q := New()
	var order []int
	q.Post(func() { order = append(order, 1) })
	q.Post(func() { order = append(order, 2) })

	require.True(t, q.Tick())
	assert.Equal(t, []int{1}, order)
	require.True(t, q.Tick())
	assert.Equal(t, []int{1, 2}, order)
	assert.False(t, q.Tick())
}

func TestCancel_SkipsPendingTask(t *testing.T) {
	q := New()
	ran := false
	id := q.Post(func() { ran = true })

	ok := q.Cancel(id)
	require.True(t, ok)

	assert.False(t, q.Tick())
	assert.False(t, ran)
}

func TestCancel_FailsOnceDispatched(t *testing.T) {
	q := New()
	id := q.Post(func() {})
	q.Tick()

	ok := q.Cancel(id)
	assert.False(t, ok)
}

func TestRun_DrainsAndStopsOnClose(t *testing.T) {
	q := New()
	var mu sync.Mutex
	count := 0

	done := make(chan struct{})
	go func() {
		q.Run()
		close(done)
	}()

	for i := 0; i < 5; i++ {
		q.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 5
	}, time.Second, 5*time.Millisecond)

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestLen_ReflectsQueuedTasks(t *testing.T) {
	q := New()
	q.Post(func() {})
	q.Post(func() {})
	assert.Equal(t, 2, q.Len())
	q.Tick()
	assert.Equal(t, 1, q.Len())
}
