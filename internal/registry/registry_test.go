package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

type resource struct {
	closed bool
}

func (r *resource) Close() { r.closed = true }

func TestHandlesAreUnique(t *testing.T) {
	r := New()
	a := Add[int](r, "a")
	b := Add[string](r, "b")

	var wg sync.WaitGroup
	var mtx sync.Mutex
	seen := make(map[wire.Handle]bool)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var h wire.Handle
			if i%2 == 0 {
				h = a.Register(i)
			} else {
				h = b.Register("x")
			}
			mtx.Lock()
			defer mtx.Unlock()
			assert.False(t, seen[h], "handle %d issued twice", h)
			seen[h] = true
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	assert.Equal(t, map[string]int{"a": 25, "b": 25}, r.Live())
}

func TestHandlesAreNotReused(t *testing.T) {
	r := New()
	a := Add[int](r, "a")
	h1 := a.Register(1)
	_, err := r.Release(h1)
	require.NoError(t, err)
	h2 := a.Register(2)
	assert.Greater(t, h2, h1)
}

func TestResolve(t *testing.T) {
	r := New()
	a := Add[int](r, "a")
	b := Add[string](r, "b")
	h := a.Register(7)

	v, err := a.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = b.Resolve(h)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)

	obj, kind, err := r.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, 7, obj)
	assert.Equal(t, "a", kind)

	_, _, err = r.Lookup(h + 100)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)
}

func TestDoubleFree(t *testing.T) {
	r := New()
	a := Add[*resource](r, "resource")
	res := &resource{}
	h := a.Register(res)

	status, err := r.Release(h)
	require.NoError(t, err)
	assert.Equal(t, Freed, status)
	assert.True(t, res.closed)

	status, err = r.Release(h)
	require.NoError(t, err)
	assert.Equal(t, AlreadyFreed, status)
	assert.Equal(t, "already_freed", status.String())

	_, err = a.Resolve(h)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)
}

func TestReleaseNeverIssued(t *testing.T) {
	r := New()
	a := Add[int](r, "a")
	a.Register(1)

	_, err := r.Release(0)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)
	_, err = r.Release(42)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)
	_, err = a.Release(42)
	assert.ErrorIs(t, err, wire.ErrUnknownHandle)
}

func TestClose(t *testing.T) {
	r := New()
	a := Add[*resource](r, "resource")
	res := []*resource{{}, {}, {}}
	for _, x := range res {
		a.Register(x)
	}
	r.Close()
	for _, x := range res {
		assert.True(t, x.closed)
	}
	assert.Equal(t, 0, a.Len())
}
