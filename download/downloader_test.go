package download

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/invokerpm/invokerpm"
)

func TestDo_SingleCall(t *testing.T) {
	d := New()

	body := []byte("print('hello')")

	result, shared, err := d.Do(context.Background(), "pkg:recon-tool", func(ctx context.Context) ([]byte, error) {
		return body, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, invokerpm.DigestBytes(body), result.Digest)
	require.Equal(t, body, result.Body)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	body := []byte("data")

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	// Make the fetch slow enough for all goroutines to pile up on one flight.
	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "shared-key", func(ctx context.Context) ([]byte, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return body, nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, invokerpm.DigestBytes(body), results[i].Digest)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool
	body := []byte("slow")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, _ = d.Do(shortCtx, "timeout-key", func(ctx context.Context) ([]byte, error) {
			time.Sleep(200 * time.Millisecond)
			fetchCompleted.Store(true)
			return body, nil
		})
	}()

	// Wait for the first caller to start the fetch.
	time.Sleep(5 * time.Millisecond)

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := d.Do(longCtx, "timeout-key", func(ctx context.Context) ([]byte, error) {
		t.Fatal("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, invokerpm.DigestBytes(body), result.Digest)
	require.True(t, fetchCompleted.Load())

	slowWg.Wait()
}

func TestDo_FetchError(t *testing.T) {
	d := New()

	expectedErr := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), "error-key", func(ctx context.Context) ([]byte, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) ([]byte, error) {
				callCount.Add(1)
				return []byte(key), nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestDo_DigestsBody(t *testing.T) {
	d := New()

	body := []byte("def run():\n    pass\n")
	result, _, err := d.Do(context.Background(), "digest-key", func(ctx context.Context) ([]byte, error) {
		return body, nil
	})

	require.NoError(t, err)
	require.Equal(t, invokerpm.DigestBytes(body), result.Digest)
	require.False(t, result.Digest.IsZero())
}

func TestDo_Forget(t *testing.T) {
	d := New()

	expectedErr := errors.New("transient error")
	var callCount atomic.Int32

	_, _, err := d.Do(context.Background(), "retry-key", func(ctx context.Context) ([]byte, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)
	require.Equal(t, int32(1), callCount.Load())

	d.Forget("retry-key")

	body := []byte("retry-success")
	result, _, err := d.Do(context.Background(), "retry-key", func(ctx context.Context) ([]byte, error) {
		callCount.Add(1)
		return body, nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), callCount.Load())
	require.Equal(t, invokerpm.DigestBytes(body), result.Digest)
}
