package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/bulk-export/internal/export/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultRedispatchSchedule = "@every 30s"
	defaultStaleAfter         = 2 * time.Minute
)

// Executor runs one attempt of an export job
type Executor interface {
	Execute(ctx context.Context, attempt domain.AttemptInfo, progress func(string)) (string, error)
}

// AttemptStore tracks the host-side state of attempts
type AttemptStore interface {
	MarkRunning(ctx context.Context, attemptID int64) (*domain.AttemptInfo, error)
	Heartbeat(ctx context.Context, attemptID int64) error
	SaveResult(ctx context.Context, attemptID int64, result string) error
	Complete(ctx context.Context, attemptID int64, result string) error
	Fail(ctx context.Context, attemptID int64, message string) error
	Supersede(ctx context.Context, attemptID, continuationID int64) error
	Release(ctx context.Context, attemptID int64, reason string) error
	Redispatch(ctx context.Context, staleAfter, heartbeatTimeout time.Duration) (int, error)
}

// Broker delivers attempt messages and takes their acknowledgements
type Broker interface {
	SetQos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// Config holds worker configuration
type Config struct {
	Logger             *slog.Logger
	Broker             Broker
	Attempts           AttemptStore
	Executor           Executor
	WorkerID           string
	QueueName          string
	Concurrency        int
	PrefetchCount      int
	JobTimeout         time.Duration
	HeartbeatInterval  time.Duration
	RedispatchSchedule string
	StaleAfter         time.Duration
	HeartbeatTimeout   time.Duration
}

// Worker consumes attempt messages and runs them on a fixed pool of goroutines
type Worker struct {
	logger             *slog.Logger
	broker             Broker
	attempts           AttemptStore
	executor           Executor
	workerID           string
	queueName          string
	concurrency        int
	prefetchCount      int
	jobTimeout         time.Duration
	heartbeatInterval  time.Duration
	redispatchSchedule string
	staleAfter         time.Duration
	heartbeatTimeout   time.Duration
	jobsChan           chan *domain.AttemptMessage
	stopChan           chan struct{}
	done               chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	prefetchCount := cfg.PrefetchCount
	if prefetchCount <= 0 {
		prefetchCount = concurrency
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	schedule := cfg.RedispatchSchedule
	if schedule == "" {
		schedule = defaultRedispatchSchedule
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	heartbeatTimeout := cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 3 * heartbeatInterval
	}

	return &Worker{
		logger:             cfg.Logger,
		broker:             cfg.Broker,
		attempts:           cfg.Attempts,
		executor:           cfg.Executor,
		workerID:           workerID,
		queueName:          cfg.QueueName,
		concurrency:        concurrency,
		prefetchCount:      prefetchCount,
		jobTimeout:         cfg.JobTimeout,
		heartbeatInterval:  heartbeatInterval,
		redispatchSchedule: schedule,
		staleAfter:         staleAfter,
		heartbeatTimeout:   heartbeatTimeout,
		jobsChan:           make(chan *domain.AttemptMessage),
		stopChan:           make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start consumes attempts until ctx is canceled or Stop is called.
// Attempts already running are allowed to finish before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	reaper, err := w.startReaper(ctx)
	if err != nil {
		return err
	}
	defer func() {
		<-reaper.Stop().Done()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(w.jobsChan)
		return w.startMessageDispatcher(gctx, deliveries)
	})

	for i := 0; i < w.concurrency; i++ {
		workerNum := i
		g.Go(func() error {
			w.workerLoop(gctx, workerNum)
			return nil
		})
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)

	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	w.logger.Info("Worker context canceled, stopped consuming")
	return nil
}

// Stop signals the worker to stop and waits for in-flight attempts
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	<-w.done
	w.logger.Info("Worker stopped")
}

// cronLogger routes cron's logging through slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

var _ cron.Logger = cronLogger{}
