package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func TestSameHandleRunsInOrder(t *testing.T) {
	var s Serializer
	var mtx sync.Mutex
	var events []string
	record := func(e string) {
		mtx.Lock()
		events = append(events, e)
		mtx.Unlock()
	}

	release := make(chan struct{})
	first := s.Enqueue(1, func() (any, error) {
		record("start 1")
		<-release
		record("end 1")
		return 1, nil
	})
	second := s.Enqueue(1, func() (any, error) {
		record("start 2")
		record("end 2")
		return 2, nil
	})

	time.Sleep(20 * time.Millisecond)
	mtx.Lock()
	assert.Equal(t, []string{"start 1"}, events)
	mtx.Unlock()
	close(release)

	r1, r2 := <-first, <-second
	assert.Equal(t, 1, r1.Value)
	assert.Equal(t, 2, r2.Value)
	assert.Equal(t, []string{"start 1", "end 1", "start 2", "end 2"}, events)
}

func TestDistinctHandlesRunConcurrently(t *testing.T) {
	var s Serializer
	block := make(chan struct{})
	blocked := s.Enqueue(1, func() (any, error) {
		<-block
		return nil, nil
	})

	select {
	case r := <-s.Enqueue(2, func() (any, error) { return "free", nil }):
		assert.Equal(t, "free", r.Value)
	case <-time.After(time.Second):
		t.Fatal("task on handle 2 waited for handle 1")
	}
	close(block)
	<-blocked
}

func TestFailureDoesNotBreakChain(t *testing.T) {
	var s Serializer
	boom := errors.New("boom")
	r1 := s.Enqueue(3, func() (any, error) { return nil, boom })
	r2 := s.Enqueue(3, func() (any, error) { panic("bad") })
	r3 := s.Enqueue(3, func() (any, error) { return "ok", nil })

	assert.ErrorIs(t, (<-r1).Err, boom)
	assert.ErrorContains(t, (<-r2).Err, "panicked")
	res := <-r3
	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
}

func TestChainsAreCleanedUp(t *testing.T) {
	var s Serializer
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		h := uint64(i % 4)
		go func() {
			defer wg.Done()
			_, _ = s.Do(context.Background(), wire.Handle(h), func() (any, error) {
				if h == 0 {
					return nil, errors.New("fail")
				}
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDoContext(t *testing.T) {
	var s Serializer
	block := make(chan struct{})
	defer close(block)
	s.Enqueue(9, func() (any, error) {
		<-block
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Do(ctx, 9, func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
