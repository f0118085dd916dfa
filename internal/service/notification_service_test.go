package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payledger/internal/domain"
	"payledger/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Deliver(context.Context, *domain.Notification) error {
	return errors.New("smtp down")
}

func TestNotificationService_DeliversQueuedOnShutdown(t *testing.T) {
	sink := &MemorySink{}
	svc := NewNotificationService(Config{Workers: 2, QueueSize: 10}, []Sink{sink}, nil, nil)

	for i := 0; i < 5; i++ {
		n := domain.NewNotification(domain.NotificationPaymentSent, "a", "b", "a sent 1.00 GBP to b")
		require.NoError(t, svc.Publish(context.Background(), n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.Len(t, sink.Delivered(), 5)
}

func TestNotificationService_PublishAfterShutdown(t *testing.T) {
	svc := NewNotificationService(Config{Workers: 1}, []Sink{&MemorySink{}}, nil, nil)
	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))

	err := svc.Publish(context.Background(), domain.NewNotification(domain.NotificationRequestSent, "a", "b", "m"))

	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestNotificationService_PublishCopiesRecord(t *testing.T) {
	sink := &MemorySink{}
	svc := NewNotificationService(Config{Workers: 1}, []Sink{sink}, nil, nil)

	n := domain.NewNotification(domain.NotificationRequestSent, "a", "b", "original")
	require.NoError(t, svc.Publish(context.Background(), n))
	n.Message = "changed"
	require.NoError(t, svc.Shutdown(context.Background()))

	require.Len(t, sink.Delivered(), 1)
	assert.Equal(t, "original", sink.Delivered()[0].Message)
}

func TestNotificationService_SinkFailureIsCounted(t *testing.T) {
	mc := metrics.NewMetricsCollector(nil)
	ok := &MemorySink{}
	svc := NewNotificationService(Config{Workers: 1}, []Sink{failingSink{}, ok}, mc, nil)

	require.NoError(t, svc.Publish(context.Background(), domain.NewNotification(domain.NotificationPaymentSent, "a", "b", "m")))
	require.NoError(t, svc.Shutdown(context.Background()))

	assert.Len(t, ok.Delivered(), 1)
	count, err := testutil.GatherAndCount(mc.Registry(), "ledger_notifications_dispatched_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
