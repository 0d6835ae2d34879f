package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/config"
	"github.com/tundradb/tundra/pkg/errors"
)

func configFor(kind string) config.BackendConfig {
	cfg := config.Default().Backend
	cfg.Kind = kind
	return cfg
}

// localBackends builds one of each backend that runs without external
// services.
func localBackends(t *testing.T) map[string]Backend {
	t.Helper()
	fsBackend, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	boltBackend, err := NewBolt(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltBackend.Close() })
	return map[string]Backend{
		"memory": NewMemory(),
		"fs":     fsBackend,
		"bolt":   boltBackend,
	}
}

func TestBackendPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "tdata/sym/1", []byte("hello"), false))

			got, err := b.Get(ctx, "tdata/sym/1")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)

			ok, err := b.Exists(ctx, "tdata/sym/1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = b.Get(ctx, "tdata/sym/2")
			assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
		})
	}
}

func TestBackendPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "tdata/once", []byte("first"), true))

			err := b.Put(ctx, "tdata/once", []byte("second"), true)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

			// The winner's bytes survive the losing attempt.
			got, err := b.Get(ctx, "tdata/once")
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), got)
		})
	}
}

func TestBackendDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "tdata/gone", []byte("x"), false))
			require.NoError(t, b.Delete(ctx, "tdata/gone"))
			require.NoError(t, b.Delete(ctx, "tdata/gone"))

			ok, err := b.Exists(ctx, "tdata/gone")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBackendListPrefixAndStop(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				key := fmt.Sprintf("ver/sym-a/%d", i)
				require.NoError(t, b.Put(ctx, key, []byte{byte(i)}, false))
			}
			require.NoError(t, b.Put(ctx, "ver/sym-b/0", []byte("other"), false))

			var seen []string
			require.NoError(t, b.List(ctx, "ver/sym-a/", func(k string) bool {
				seen = append(seen, k)
				return true
			}))
			assert.Len(t, seen, 5)
			for _, k := range seen {
				assert.Contains(t, k, "sym-a")
			}

			// Early stop halts the walk.
			count := 0
			require.NoError(t, b.List(ctx, "ver/", func(string) bool {
				count++
				return count < 2
			}))
			assert.Equal(t, 2, count)
		})
	}
}

func TestAtomicReplaceExpectAbsent(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.AtomicReplace(ctx, "vref/sym", nil, []byte("v0")))

			// A second expect-absent swap loses.
			err := b.AtomicReplace(ctx, "vref/sym", nil, []byte("v0-bis"))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
		})
	}
}

func TestAtomicReplaceConditioned(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "vref/sym", []byte("v0"), false))

			right := codec.Hash([]byte("v0"))
			require.NoError(t, b.AtomicReplace(ctx, "vref/sym", &right, []byte("v1")))

			// Replaying with the now-stale hash loses.
			err := b.AtomicReplace(ctx, "vref/sym", &right, []byte("v2"))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

			got, err := b.Get(ctx, "vref/sym")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)
		})
	}
}

func TestAtomicReplaceRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for name, b := range localBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "vref/race", []byte("base"), false))
			base := codec.Hash([]byte("base"))

			const writers = 16
			var wg sync.WaitGroup
			wins := make(chan int, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					payload := []byte(fmt.Sprintf("winner-%d", i))
					if err := b.AtomicReplace(ctx, "vref/race", &base, payload); err == nil {
						wins <- i
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []int
			for w := range wins {
				winners = append(winners, w)
			}
			require.Len(t, winners, 1)

			got, err := b.Get(ctx, "vref/race")
			require.NoError(t, err)
			assert.Equal(t, []byte(fmt.Sprintf("winner-%d", winners[0])), got)
		})
	}
}

// flakyBackend fails the first n calls with a transient error
type flakyBackend struct {
	Backend
	mu        sync.Mutex
	remaining int
}

func (f *flakyBackend) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return true
	}
	return false
}

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if f.fail() {
		return nil, errors.New(errors.ErrorTypeTransient, "injected fault")
	}
	return f.Backend.Get(ctx, key)
}

func (f *flakyBackend) List(ctx context.Context, prefix string, fn func(string) bool) error {
	if f.fail() {
		return errors.New(errors.ErrorTypeTransient, "injected fault")
	}
	return f.Backend.List(ctx, prefix, fn)
}

func TestRetryRecoversFromTransientFaults(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	require.NoError(t, inner.Put(ctx, "k", []byte("v"), false))

	b := WithRetry(&flakyBackend{Backend: inner, remaining: 2}, 5, time.Millisecond)
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Listing walks retry too, not just single-key calls.
	b = WithRetry(&flakyBackend{Backend: inner, remaining: 2}, 5, time.Millisecond)
	var seen []string
	require.NoError(t, b.List(ctx, "k", func(key string) bool {
		seen = append(seen, key)
		return true
	}))
	assert.Equal(t, []string{"k"}, seen)
}

func TestRetryExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	b := WithRetry(&flakyBackend{Backend: NewMemory(), remaining: 100}, 3, time.Millisecond)

	_, err := b.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestRetryDoesNotRetryConflicts(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	require.NoError(t, inner.Put(ctx, "vref/k", []byte("v0"), false))

	b := WithRetry(inner, 5, time.Millisecond)
	stale := codec.Hash([]byte("other"))
	start := time.Now()
	err := b.AtomicReplace(ctx, "vref/k", &stale, []byte("v1"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	// A conflict returns on the first attempt, without backoff sleeps.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := WithRetry(NewMemory(), 5, time.Millisecond)
	_, err := b.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestConcurrencyLimitAllowsProgress(t *testing.T) {
	ctx := context.Background()
	b := WithConcurrencyLimit(NewMemory(), 2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k/%d", i)
			assert.NoError(t, b.Put(ctx, key, []byte("v"), false))
		}(i)
	}
	wg.Wait()

	count := 0
	require.NoError(t, b.List(ctx, "k/", func(string) bool {
		count++
		return true
	}))
	assert.Equal(t, 20, count)
}

func TestFailureSimulationAlwaysFails(t *testing.T) {
	t.Setenv("TUNDRA_FAIL_READ", "1.0")

	ctx := context.Background()
	inner := NewMemory()
	require.NoError(t, inner.Put(ctx, "k", []byte("v"), false))

	b := WithFailureSimulation(inner)
	_, err := b.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	// Writes are unaffected by the read knob.
	assert.NoError(t, b.Put(ctx, "k2", []byte("v"), false))
}

func TestFailureSimulationDisabledByDefault(t *testing.T) {
	t.Setenv("TUNDRA_FAIL_READ", "")
	t.Setenv("TUNDRA_FAIL_WRITE", "")
	t.Setenv("TUNDRA_FAIL_DELETE", "")

	inner := NewMemory()
	assert.Equal(t, inner, WithFailureSimulation(inner))
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(context.Background(), configFor("teleport"), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpenMemory(t *testing.T) {
	b, err := Open(context.Background(), configFor("memory"), nil)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "k", []byte("v"), false))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
