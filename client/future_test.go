package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompletionSettlesOnce(t *testing.T) {
	var cnt counter
	done := newCompletion(cnt.cb)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				done.finish(json.RawMessage(`"ok"`), nil)
			} else {
				done.finish(nil, errors.New("boom"))
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, cnt.count())
	data, err := done.future.Result()
	require.Equal(t, cnt.err, err)
	require.Equal(t, cnt.data, data)
}

func TestCompletionDropsDataOnError(t *testing.T) {
	done := newCompletion(nil)
	done.finish(json.RawMessage(`{"x":1}`), errors.New("failed"))

	data, err := done.future.Result()
	require.Error(t, err)
	require.Nil(t, data)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.Settled())

	require.True(t, f.settle(json.RawMessage(`1`), nil))
	require.False(t, f.settle(json.RawMessage(`2`), nil))
	data, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `1`, string(data))
}
