package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"gateway-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOutbox(t *testing.T) (*Outbox, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool", "outbox.db")
	o, err := Open(path)
	require.NoError(t, err)
	return o, path
}

func job(id, orderID string) *models.NotificationJob {
	return &models.NotificationJob{
		BaseEvent: models.BaseEvent{EventID: id, EventType: models.EventTypeMerchantNotify},
		OrderID:   orderID,
		URL:       "https://merchant.example/notify",
	}
}

func TestPutIsIdempotentPerEventID(t *testing.T) {
	o, _ := openTestOutbox(t)
	defer o.Close()

	require.NoError(t, o.Put(job("e1", "PI1")))
	require.NoError(t, o.Put(job("e1", "PI1")))
	require.NoError(t, o.Put(job("e2", "PI2")))

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, o.Put(job("", "PI3")), ErrEmptyJobID)
}

func TestDrainKeepsOrderAndStopsOnError(t *testing.T) {
	o, _ := openTestOutbox(t)
	defer o.Close()

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, o.Put(job(id, "order-"+id)))
	}

	var seen []string
	boom := errors.New("broker down")
	drained, err := o.Drain(context.Background(), 0, func(ctx context.Context, j *models.NotificationJob) error {
		seen = append(seen, j.EventID)
		if j.EventID == "e2" {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, drained)
	assert.Equal(t, []string{"e1", "e2"}, seen)

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	seen = nil
	drained, err = o.Drain(context.Background(), 0, func(ctx context.Context, j *models.NotificationJob) error {
		seen = append(seen, j.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.Equal(t, []string{"e2", "e3"}, seen)

	// a drained id can be spooled again
	require.NoError(t, o.Put(job("e1", "order-e1")))
	n, err = o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainRespectsLimit(t *testing.T) {
	o, _ := openTestOutbox(t)
	defer o.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, o.Put(job(id, id)))
	}

	drained, err := o.Drain(context.Background(), 2, func(ctx context.Context, j *models.NotificationJob) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, drained)

	n, err := o.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	o, path := openTestOutbox(t)
	require.NoError(t, o.Put(job("e1", "PI1")))
	require.NoError(t, o.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var got *models.NotificationJob
	_, err = reopened.Drain(context.Background(), 0, func(ctx context.Context, j *models.NotificationJob) error {
		got = j
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PI1", got.OrderID)
}

func TestLazyDoesNotLockUntilSpooling(t *testing.T) {
	held, path := openTestOutbox(t)

	lazy := NewLazy(path)
	n, err := lazy.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, lazy.Close())

	// the server still holds the file, so spooling has to wait for it
	assert.Error(t, lazy.Put(job("e1", "PI1")))

	require.NoError(t, held.Close())
	require.NoError(t, lazy.Put(job("e1", "PI1")))
	n, err = lazy.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, lazy.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err = reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
