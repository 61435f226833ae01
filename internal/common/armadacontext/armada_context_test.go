package armadacontext

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.NewEntry(logrus.New()).WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, ctx.Context, context.Background())
	require.NotNil(t, ctx.Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	require.Equal(t, context.Background(), ctx.Context)
	require.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 100*time.Millisecond)
	defer cancel()
	testDeadline(t, ctx)
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(WithLogField(Background(), "job", "a"))
	cancel()
	<-ctx.Done()
	assert.Equal(t, context.Canceled, ctx.Err())
	assert.Equal(t, "a", ctx.Log.Data["job"])
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(WithLogField(Background(), "fish", "chips"))
	g.Go(func() error { return errors.New("boom") })
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	assert.EqualError(t, g.Wait(), "boom")
	assert.Equal(t, "chips", ctx.Log.Data["fish"])
}

func testDeadline(t *testing.T, c *Context) {
	t.Helper()
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatalf("context not timed out")
	case <-c.Done():
	}
	if e := c.Err(); e != context.DeadlineExceeded {
		t.Errorf("c.Err() == %v; want %v", e, context.DeadlineExceeded)
	}
}
