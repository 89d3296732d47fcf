// SPDX-License-Identifier: GPL-3.0-or-later

package closepool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/rbmk-project/detsim/closepool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder records the order in which closers run.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) closer(name string, err error) closepool.Func {
	return func() error {
		r.mu.Lock()
		r.order = append(r.order, name)
		r.mu.Unlock()
		return err
	}
}

func TestPool(t *testing.T) {
	t.Run("closes in backward order", func(t *testing.T) {
		rec := &recorder{}
		pool := &closepool.Pool{}
		require.NoError(t, pool.Add(rec.closer("capture", nil)))
		require.NoError(t, pool.Add(rec.closer("server", nil)))
		require.NoError(t, pool.Add(rec.closer("client", nil)))
		assert.Equal(t, 3, pool.Len())

		require.NoError(t, pool.Close())
		assert.Equal(t, []string{"client", "server", "capture"}, rec.order)
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("joins errors", func(t *testing.T) {
		rec := &recorder{}
		pool := &closepool.Pool{}
		err1 := errors.New("close error #1")
		err2 := errors.New("close error #2")
		require.NoError(t, pool.Add(rec.closer("first", err1)))
		require.NoError(t, pool.Add(rec.closer("second", err2)))

		err := pool.Close()
		assert.ErrorIs(t, err, err1)
		assert.ErrorIs(t, err, err2)
		assert.Equal(t, errors.Join(err2, err1).Error(), err.Error())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		rec := &recorder{}
		pool := &closepool.Pool{}
		require.NoError(t, pool.Add(rec.closer("only", nil)))
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())
		assert.Equal(t, []string{"only"}, rec.order)
	})

	t.Run("add after close closes immediately", func(t *testing.T) {
		rec := &recorder{}
		pool := &closepool.Pool{}
		require.NoError(t, pool.Close())

		expected := errors.New("late")
		err := pool.Add(rec.closer("late", expected))
		assert.ErrorIs(t, err, expected)
		assert.Equal(t, []string{"late"}, rec.order)
		assert.Equal(t, 0, pool.Len())
	})

	t.Run("concurrent usage", func(t *testing.T) {
		rec := &recorder{}
		pool := &closepool.Pool{}
		wg := &sync.WaitGroup{}
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, pool.Add(rec.closer("x", nil)))
			}()
		}
		wg.Wait()
		require.NoError(t, pool.Close())
		assert.Len(t, rec.order, 16)
	})
}
