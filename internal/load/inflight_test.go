package load

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlightAcquireRelease(t *testing.T) {
	t.Parallel()

	set := NewInFlight()
	release, ok := set.Acquire("https://a.test/")
	require.True(t, ok)
	assert.True(t, set.Contains("https://a.test/"))

	_, again := set.Acquire("https://a.test/")
	assert.False(t, again)

	release()
	release()
	assert.False(t, set.Contains("https://a.test/"))

	// A stale release must not drop somebody else's later claim.
	release2, ok := set.Acquire("https://a.test/")
	require.True(t, ok)
	release()
	assert.True(t, set.Contains("https://a.test/"))
	release2()
	assert.Zero(t, set.Len())
}

func TestInFlightAcquireAll(t *testing.T) {
	t.Parallel()

	set := NewInFlight()
	hold, ok := set.Acquire("https://b.test/")
	require.True(t, ok)

	acquired, release := set.AcquireAll([]string{"https://a.test/", "https://b.test/", "https://c.test/"})
	assert.Equal(t, []string{"https://a.test/", "https://c.test/"}, acquired)
	assert.Equal(t, 3, set.Len())

	release()
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Contains("https://b.test/"))
	hold()
}

func TestInFlightConcurrentAcquire(t *testing.T) {
	t.Parallel()

	set := NewInFlight()
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := set.Acquire("https://hot.test/"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestInFlightRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, ok := NewInFlight().Acquire("")
	assert.False(t, ok)
}
