package research

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_TryLock(t *testing.T) {
	k := newKeyedMutex()

	unlock, ok := k.TryLock("a")
	require.True(t, ok)

	_, ok = k.TryLock("a")
	assert.False(t, ok, "second holder must be refused")

	unlockB, ok := k.TryLock("b")
	assert.True(t, ok, "keys are independent")
	unlockB()

	unlock()
	unlock, ok = k.TryLock("a")
	assert.True(t, ok)
	unlock()

	assert.Empty(t, k.locks, "entries are dropped once free")
}

func TestKeyedMutex_Serializes(t *testing.T) {
	k := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, k.locks)
}
