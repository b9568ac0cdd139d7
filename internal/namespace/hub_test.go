package namespace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeReceivesEmits(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	h.Emit(Event{Kind: KindLiveValues, Data: LiveValues{DiameterMM: 1.75}})

	select {
	case e := <-ch:
		assert.Equal(t, KindLiveValues, e.Kind)
		assert.False(t, e.Timestamp.IsZero(), "hub should stamp events")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_ReplaysCacheOnSubscribe(t *testing.T) {
	h := NewHub()
	h.Emit(Event{Kind: KindState, Data: State{IsDefaultState: true}})
	h.Emit(Event{Kind: KindLiveValues, Data: LiveValues{DiameterMM: 1.70}})
	h.Emit(Event{Kind: KindLiveValues, Data: LiveValues{DiameterMM: 1.76}})

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	require.Len(t, ch, 2, "one cached event per kind")
	first := <-ch
	second := <-ch
	assert.Equal(t, KindLiveValues, first.Kind)
	assert.Equal(t, 1.76, first.Data.(LiveValues).DiameterMM)
	assert.Equal(t, KindState, second.Kind)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	h.buffer = 1
	id, _ := h.Subscribe()
	defer h.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Emit(Event{Kind: KindLiveValues})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
	assert.Equal(t, uint64(9), h.Dropped())
}

func TestHub_CloseClosesSubscribers(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// subscribing after close yields a closed channel
	_, late := h.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	// emitting after close is ignored
	h.Emit(Event{Kind: KindState})
	_, cached := h.Last(KindState)
	assert.False(t, cached)
}

func TestEventJSONKeepsOptionalKeys(t *testing.T) {
	b, err := json.Marshal(LiveValues{DiameterMM: 1.75})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, key := range []string{"diameter_mm", "x_diameter_mm", "y_diameter_mm", "roundness"} {
		assert.Contains(t, fields, key)
	}
	assert.Nil(t, fields["roundness"])
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Emit(Event{Kind: KindState})
	r.Emit(Event{Kind: KindLiveValues})
	r.Emit(Event{Kind: KindState})

	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.OfKind(KindState), 2)
	r.Reset()
	assert.Empty(t, r.Events())
}
