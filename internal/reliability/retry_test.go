package reliability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryState(t *testing.T) {
	t.Run("hands out fixed delays up to the ceiling", func(t *testing.T) {
		state := NewRetryState(3, 100*time.Millisecond)

		for i := 1; i <= 3; i++ {
			attempt, delay, ok := state.Next()
			assert.True(t, ok)
			assert.Equal(t, i, attempt)
			assert.Equal(t, 100*time.Millisecond, delay)
		}

		attempt, delay, ok := state.Next()
		assert.False(t, ok)
		assert.Equal(t, 3, attempt)
		assert.Zero(t, delay)
		assert.True(t, state.Exhausted())
		assert.Equal(t, 3, state.Count())
	})

	t.Run("reset restarts the cycle", func(t *testing.T) {
		state := NewRetryState(1, time.Second)
		_, _, ok := state.Next()
		assert.True(t, ok)
		assert.True(t, state.Exhausted())

		state.Reset()

		assert.False(t, state.Exhausted())
		attempt, _, ok := state.Next()
		assert.True(t, ok)
		assert.Equal(t, 1, attempt)
	})

	t.Run("zero ceiling allows no attempts", func(t *testing.T) {
		state := NewRetryState(0, time.Second)
		_, _, ok := state.Next()
		assert.False(t, ok)
	})

	t.Run("negative ceiling is unlimited", func(t *testing.T) {
		state := NewRetryState(-5, time.Millisecond)
		assert.Equal(t, Unlimited, state.MaxRetries())
		for i := 0; i < 1000; i++ {
			_, _, ok := state.Next()
			assert.True(t, ok)
		}
		assert.Equal(t, 1000, state.Count())
	})

	t.Run("concurrent reservations never exceed the ceiling", func(t *testing.T) {
		state := NewRetryState(50, time.Millisecond)
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			granted int
		)
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, ok := state.Next(); ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, granted)
		assert.Equal(t, time.Millisecond, state.Interval())
	})
}
