package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"payledger/internal/domain"
	"payledger/pkg/metrics"
)

var ErrDispatcherClosed = errors.New("notification dispatcher closed")

// Sink delivers a committed notification record somewhere outside the ledger.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *domain.Notification) error
}

type Config struct {
	Workers   int
	QueueSize int
	// DeliveryTimeout bounds a single Sink.Deliver call; zero means 5s.
	DeliveryTimeout time.Duration
}

// NotificationService fans committed notifications out to sinks on a worker
// pool. Delivery never feeds back into ledger state.
type NotificationService struct {
	sinks           []Sink
	messageQueue    chan *domain.Notification
	workers         int
	deliveryTimeout time.Duration
	shutdownChan    chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex
	closed          bool
	metrics         *metrics.MetricsCollector
	logger          *slog.Logger
}

func NewNotificationService(cfg Config, sinks []Sink, mc *metrics.MetricsCollector, logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if len(sinks) == 0 {
		sinks = []Sink{NewLogSink(logger)}
	}

	service := &NotificationService{
		sinks:           sinks,
		messageQueue:    make(chan *domain.Notification, cfg.QueueSize),
		workers:         cfg.Workers,
		deliveryTimeout: cfg.DeliveryTimeout,
		shutdownChan:    make(chan struct{}),
		metrics:         mc,
		logger:          logger,
	}

	service.startWorkers()

	return service
}

// Publish queues n for delivery without blocking. A full queue drops the
// message; the record itself is already committed.
func (s *NotificationService) Publish(ctx context.Context, n *domain.Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrDispatcherClosed
	}

	msg := *n
	select {
	case s.messageQueue <- &msg:
		s.logger.DebugContext(ctx, "Notification queued",
			slog.String("notification_id", n.ID),
			slog.String("type", string(n.Type)),
			slog.String("to_account_id", n.ToAccountID))
		return nil
	default:
		s.metrics.RecordNotification("dropped")
		s.logger.WarnContext(ctx, "Notification queue full, dropping",
			slog.String("notification_id", n.ID),
			slog.String("type", string(n.Type)))
		return fmt.Errorf("notification queue full: %s", n.ID)
	}
}

func (s *NotificationService) startWorkers() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *NotificationService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("Notification worker started", slog.Int("worker_id", id))

	for {
		select {
		case msg := <-s.messageQueue:
			s.processNotification(msg, id)
		case <-s.shutdownChan:
			// drain what was queued before shutdown
			for {
				select {
				case msg := <-s.messageQueue:
					s.processNotification(msg, id)
				default:
					s.logger.Debug("Notification worker stopping", slog.Int("worker_id", id))
					return
				}
			}
		}
	}
}

func (s *NotificationService) processNotification(msg *domain.Notification, workerID int) {
	for _, sink := range s.sinks {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.deliveryTimeout)
		err := sink.Deliver(ctx, msg)
		cancel()
		duration := time.Since(startTime)

		if err != nil {
			s.metrics.RecordNotification(metrics.OutcomeError)
			s.logger.Error("Failed to deliver notification",
				slog.String("sink", sink.Name()),
				slog.String("notification_id", msg.ID),
				slog.String("error", err.Error()),
				slog.Int("worker_id", workerID),
				slog.Duration("duration", duration))
			continue
		}

		s.metrics.RecordNotification(metrics.OutcomeSuccess)
		s.logger.Debug("Notification delivered",
			slog.String("sink", sink.Name()),
			slog.String("notification_id", msg.ID),
			slog.Int("worker_id", workerID),
			slog.Duration("duration", duration))
	}
}

// Shutdown stops accepting messages and waits for queued ones to be delivered.
func (s *NotificationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdownChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Notification service shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes every notification to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(ctx context.Context, n *domain.Notification) error {
	l.logger.InfoContext(ctx, "Notification",
		slog.String("notification_id", n.ID),
		slog.String("type", string(n.Type)),
		slog.String("from_account_id", n.FromAccountID),
		slog.String("to_account_id", n.ToAccountID),
		slog.String("message", n.Message))
	return nil
}

// MemorySink keeps delivered notifications, for tests and local runs.
type MemorySink struct {
	mu        sync.Mutex
	delivered []*domain.Notification
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Deliver(_ context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, n)
	return nil
}

func (m *MemorySink) Delivered() []*domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Notification, len(m.delivered))
	copy(out, m.delivered)
	return out
}
