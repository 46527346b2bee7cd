package elasticring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn counts how often it was closed.
type fakeConn struct {
	id        int64
	createdAt time.Time
	closed    atomic.Int32
	onClose   func()
}

func (c *fakeConn) ID() string { return fmt.Sprintf("fake-%d", c.id) }

func (c *fakeConn) CreatedAt() time.Time { return c.createdAt }

func (c *fakeConn) Close() error {
	if c.closed.Add(1) == 1 && c.onClose != nil {
		c.onClose()
	}
	return nil
}

// fakeDialer opens fakeConns and tracks how many are alive.
type fakeDialer struct {
	dialed  atomic.Int64
	live    atomic.Int64
	maxLive atomic.Int64
	fail    atomic.Bool
}

func (d *fakeDialer) dial(ctx context.Context) (*fakeConn, error) {
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}

	var live = d.live.Add(1)
	for {
		var peak = d.maxLive.Load()
		if live <= peak || d.maxLive.CompareAndSwap(peak, live) {
			break
		}
	}

	return &fakeConn{
		id:        d.dialed.Add(1),
		createdAt: time.Now(),
		onClose:   func() { d.live.Add(-1) },
	}, nil
}

func TestPool(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		newLogger = func() *slog.Logger {
			return slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		newPoolUnderTest = func(d *fakeDialer, cfg poolConfig) (*pool[*fakeConn], metrics.Registry) {
			var registry = metrics.NewRegistry()
			return newPool("10.0.0.1:11211", d.dial, cfg, newLogger(), newPoolMetrics(registry)), registry
		}
		pooled = poolConfig{
			maxSize:        3,
			connectTimeout: 100 * time.Millisecond,
			retainIdle:     true,
		}
	)

	t.Run("should reuse a released healthy connection", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, pooled)
			ctx    = newCtx()
		)

		// Act
		first, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(first, true)

		second, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Assert
		assert.Same(t, first, second)
		assert.Equal(t, int64(1), dialer.dialed.Load())
		assert.Zero(t, first.closed.Load())
	})

	t.Run("should close an unhealthy connection instead of returning it", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, pooled)
			ctx    = newCtx()
		)

		// Act
		first, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(first, false)

		second, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Assert
		assert.NotSame(t, first, second)
		assert.Equal(t, int32(1), first.closed.Load())
		var idle, inUse, _ = sut.Stats()
		assert.Equal(t, 0, idle)
		assert.Equal(t, 1, inUse)
	})

	t.Run("should never exceed max size under concurrency", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfig{
				maxSize:        3,
				connectTimeout: 5 * time.Second,
				retainIdle:     true,
			})
			ctx = newCtx()
			wg  sync.WaitGroup
		)

		// Act
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range 20 {
					conn, err := sut.Acquire(ctx)
					if !assert.NoError(t, err) {
						return
					}
					time.Sleep(100 * time.Microsecond)
					sut.Release(conn, (i+j)%7 != 0)
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.LessOrEqual(t, dialer.maxLive.Load(), int64(3))
		var idle, inUse, _ = sut.Stats()
		assert.LessOrEqual(t, idle, 3)
		assert.Equal(t, 0, inUse)
	})

	t.Run("should fail with pool exhausted when at capacity", func(t *testing.T) {
		// Arrange
		var (
			dialer        = &fakeDialer{}
			sut, registry = newPoolUnderTest(dialer, pooled)
			ctx           = newCtx()
		)
		for range 3 {
			_, err := sut.Acquire(ctx)
			require.NoError(t, err)
		}

		// Act
		var start = time.Now()
		_, err := sut.Acquire(ctx)

		// Assert
		assert.ErrorIs(t, err, ErrPoolExhausted)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("pool.exhausted", registry).Count())
	})

	t.Run("should fail at once when full without a connect timeout", func(t *testing.T) {
		// Arrange
		var (
			dialer        = &fakeDialer{}
			sut, registry = newPoolUnderTest(dialer, poolConfig{maxSize: 1, retainIdle: true})
			ctx           = newCtx()
		)
		_, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Act
		var result = make(chan error, 1)
		go func() {
			_, err := sut.Acquire(ctx)
			result <- err
		}()

		// Assert
		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrPoolExhausted)
		case <-time.After(time.Second):
			t.Fatal("acquire blocked on a full pool")
		}
		assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("pool.exhausted", registry).Count())
	})

	t.Run("should name the connection when opening and closing it", func(t *testing.T) {
		// Arrange
		var (
			logs   bytes.Buffer
			logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			dialer = &fakeDialer{}
			sut    = newPool("10.0.0.1:11211", dialer.dial, pooled, logger, newPoolMetrics(metrics.NewRegistry()))
			ctx    = newCtx()
		)
		conn, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Act
		sut.Release(conn, false)

		// Assert
		assert.Contains(t, logs.String(), "msg=\"opened connection\" node=10.0.0.1:11211 conn=fake-1")
		assert.Contains(t, logs.String(), "msg=\"closed connection\" node=10.0.0.1:11211 conn=fake-1")
	})

	t.Run("should hand a released connection to a waiting caller", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfig{
				maxSize:        1,
				connectTimeout: 2 * time.Second,
				retainIdle:     true,
			})
			ctx = newCtx()
		)
		held, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Act
		go func() {
			time.Sleep(50 * time.Millisecond)
			sut.Release(held, true)
		}()
		got, err := sut.Acquire(ctx)

		// Assert
		require.NoError(t, err)
		assert.Same(t, held, got)
	})

	t.Run("should report connect failures and free capacity", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfig{maxSize: 1, connectTimeout: 50 * time.Millisecond, retainIdle: true})
			ctx    = newCtx()
		)
		dialer.fail.Store(true)

		// Act
		_, firstErr := sut.Acquire(ctx)
		dialer.fail.Store(false)
		conn, secondErr := sut.Acquire(ctx)

		// Assert
		assert.ErrorIs(t, firstErr, ErrConnectFailed)
		require.NoError(t, secondErr)
		assert.NotNil(t, conn)
	})

	t.Run("should close connections idle longer than the idle timeout", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfig{
				maxSize:        3,
				idleTimeout:    30 * time.Millisecond,
				connectTimeout: 100 * time.Millisecond,
				retainIdle:     true,
			})
			ctx = newCtx()
		)
		first, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(first, true)

		// Act
		time.Sleep(60 * time.Millisecond)
		second, err := sut.Acquire(ctx)

		// Assert
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, int32(1), first.closed.Load())
		assert.Equal(t, int64(2), dialer.dialed.Load())
	})

	t.Run("should open and close a connection per checkout without pooling", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfigFor(Config{UsePooling: false, MaxPoolSize: 10, ConnectTimeout: time.Second}))
			ctx    = newCtx()
		)

		// Act
		first, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(first, true)
		second, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(second, true)

		// Assert
		assert.NotSame(t, first, second)
		assert.Equal(t, int32(1), first.closed.Load())
		assert.Equal(t, int32(1), second.closed.Load())
		assert.Equal(t, 1, sut.config.maxSize)
		assert.Equal(t, int64(0), dialer.live.Load())
	})

	t.Run("should close idle connections and reject acquisitions after close all", func(t *testing.T) {
		// Arrange
		var (
			dialer        = &fakeDialer{}
			sut, registry = newPoolUnderTest(dialer, pooled)
			ctx           = newCtx()
		)
		idleConn, err := sut.Acquire(ctx)
		require.NoError(t, err)
		inFlight, err := sut.Acquire(ctx)
		require.NoError(t, err)
		sut.Release(idleConn, true)

		// Act
		sut.CloseAll()
		sut.CloseAll()
		_, acquireErr := sut.Acquire(ctx)

		// Assert
		assert.ErrorIs(t, acquireErr, errPoolClosed)
		assert.Equal(t, int32(1), idleConn.closed.Load())
		assert.Zero(t, inFlight.closed.Load(), "in-flight connection is not interrupted")
		assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("pool.closed", registry).Count())

		sut.Release(inFlight, true)
		assert.Equal(t, int32(1), inFlight.closed.Load(), "in-flight connection is closed on release")
		var idle, _, closed = sut.Stats()
		assert.Equal(t, 0, idle)
		assert.True(t, closed)
	})

	t.Run("should wake waiters when the pool is closed", func(t *testing.T) {
		// Arrange
		var (
			dialer = &fakeDialer{}
			sut, _ = newPoolUnderTest(dialer, poolConfig{maxSize: 1, connectTimeout: 5 * time.Second, retainIdle: true})
			ctx    = newCtx()
		)
		_, err := sut.Acquire(ctx)
		require.NoError(t, err)

		// Act
		go func() {
			time.Sleep(30 * time.Millisecond)
			sut.CloseAll()
		}()
		var start = time.Now()
		_, err = sut.Acquire(ctx)

		// Assert
		assert.ErrorIs(t, err, errPoolClosed)
		assert.Less(t, time.Since(start), time.Second)
	})
}
