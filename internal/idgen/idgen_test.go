package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Deterministic(t *testing.T) {
	a := New("rc", 42)
	b := New("rc", 42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
	assert.NotEqual(t, New("rc", 1).Next(), New("rc", 2).Next())
}

func TestGenerator_UniqueConcurrent(t *testing.T) {
	g := New("rc", 7)
	const workers, per = 8, 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*per)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*per)
	assert.Equal(t, uint64(workers*per), g.Count())
	for id := range seen {
		assert.True(t, strings.HasPrefix(id, "rc"))
		assert.LessOrEqual(t, len(id), 36, "binance client order ids are limited to 36 chars")
	}
}
