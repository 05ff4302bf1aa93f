package sagastream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureAwait(t *testing.T) {
	ctx := context.Background()

	f := Go(ctx, func(context.Context) (int, error) { return 7, nil })
	v, err := f.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = Resolved(0, boom).Await(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestFutureAwaitCancelled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	f := Go(context.Background(), func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-f.Done():
		t.Fatal("future completed early")
	default:
	}
}
