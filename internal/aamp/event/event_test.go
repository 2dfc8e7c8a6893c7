package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTuneFailedPayload_TruncatesDescription(t *testing.T) {
	long := strings.Repeat("x", 200)
	p := NewTuneFailedPayload(1, long, true)
	assert.Len(t, p.Description, maxTuneFailedDescriptionLen)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "TUNED", Tuned.String())
	assert.Equal(t, "TUNE_FAILED", TuneFailed.String())
	assert.Equal(t, "UNKNOWN", Kind(999).String())
}

func TestBus_EmitDeliversInOrder(t *testing.T) {
	bus := NewBus()
	var received []Kind
	bus.Subscribe(ListenerFunc(func(e AampEvent) {
		received = append(received, e.Kind)
	}))

	bus.Emit(StateChanged, StateChangedPayload{State: "PREPARING"})
	bus.Emit(StateChanged, StateChangedPayload{State: "PREPARED"})
	bus.Emit(PlaylistIndexed, nil)

	require.Len(t, received, 3)
	assert.Equal(t, []Kind{StateChanged, StateChanged, PlaylistIndexed}, received)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	unsub := bus.Subscribe(ListenerFunc(func(AampEvent) { count++ }))

	bus.Emit(Tuned, nil)
	unsub()
	bus.Emit(Tuned, nil)

	assert.Equal(t, 1, count)
}

func TestBus_MultipleListeners(t *testing.T) {
	bus := NewBus()
	var a, b int
	bus.Subscribe(ListenerFunc(func(AampEvent) { a++ }))
	bus.Subscribe(ListenerFunc(func(AampEvent) { b++ }))

	bus.Emit(EOS, nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestNew_MonotonicULIDs(t *testing.T) {
	now := time.Now()
	e1 := New(Tuned, now, nil)
	e2 := New(Tuned, now, nil)
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.True(t, e1.ID.Compare(e2.ID) < 0 || e1.ID.Compare(e2.ID) > 0)
}
