package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_FansOut(t *testing.T) {
	bus := NewBus[string, int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	received := map[string][]int{}

	for _, name := range []string{"a", "b"} {
		name := name
		bus.AddHandler(HandlerFunc[string, int](func(key string, e int) {
			defer wg.Done()
			mu.Lock()
			received[name+":"+key] = append(received[name+":"+key], e)
			mu.Unlock()
		}))
	}

	wg.Add(2)
	require.NoError(t, bus.OnEvent("key", 7))
	wg.Wait()

	require.Equal(t, map[string][]int{"a:key": {7}, "b:key": {7}}, received)
}

func TestChannelStream(t *testing.T) {
	stream := NewChannelStream[int, string]("id", 1, func(e int) (string, bool) {
		if e%2 != 0 {
			return "", false
		}
		return "even", true
	})
	require.Equal(t, "id", stream.ID())

	require.NoError(t, stream.Notify(1, time.Millisecond))
	require.NoError(t, stream.Notify(2, time.Millisecond))
	require.Equal(t, "even", <-stream.Channel())

	// Buffer of one: the second undrained message times out and closes the stream.
	require.NoError(t, stream.Notify(4, time.Millisecond))
	require.Error(t, stream.Notify(6, time.Millisecond))

	require.Equal(t, "even", <-stream.Channel())
	_, ok := <-stream.Channel()
	require.False(t, ok)

	require.ErrorIs(t, stream.Notify(8, time.Millisecond), ErrStreamClosed)
	stream.Close()
}
