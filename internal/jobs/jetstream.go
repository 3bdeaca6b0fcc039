package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dante-gpu/dante-messaging/internal/config"
	"github.com/dante-gpu/dante-messaging/internal/logging"
)

const (
	fetchBatch   = 5
	fetchMaxWait = 5 * time.Second
	nakDelay     = 15 * time.Second
	errorBackoff = 5 * time.Second

	minProgressInterval = time.Second
)

// JetStreamQueue is a durable job queue on a NATS JetStream stream.
type JetStreamQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    config.NatsConfig
	logger *zap.Logger
}

// NewJetStreamQueue obtains a JetStream context and makes sure the job stream exists.
func NewJetStreamQueue(nc *nats.Conn, cfg config.NatsConfig, logger *zap.Logger) (*JetStreamQueue, error) {
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	q := &JetStreamQueue{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := q.EnsureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *JetStreamQueue) subject(kind string) string {
	return q.cfg.JobSubjectPrefix + "." + kind
}

// EnsureStream creates the job stream if it does not exist yet.
func (q *JetStreamQueue) EnsureStream() error {
	name := q.cfg.JobStreamName
	subjects := []string{q.cfg.JobSubjectPrefix + ".>"}

	info, err := q.js.StreamInfo(name)
	if errors.Is(err, nats.ErrStreamNotFound) {
		q.logger.Info("Stream not found, creating it", zap.String("stream_name", name), zap.Strings("subjects", subjects))
		_, err = q.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info for %s: %w", name, err)
	}
	q.logger.Info("NATS JetStream stream already exists",
		zap.String("stream_name", info.Config.Name),
		zap.Uint64("messages", info.State.Msgs))
	return nil
}

// Enqueue publishes job. The job id doubles as the JetStream message id, so a retried
// publish of the same job is deduplicated by the server.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if _, err := q.js.Publish(q.subject(job.Kind), data, nats.MsgId(job.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to enqueue %s job %s: %w", job.Kind, job.Key, err)
	}
	q.logger.Debug("Job enqueued", zap.String("job_id", job.ID), zap.String("kind", job.Kind), zap.String("key", job.Key))
	return nil
}

// Consume pulls jobs and runs each in its own goroutine, at most MaxConcurrentJobs at a
// time, until ctx is done. A job is acked after the handler returns nil and nak'ed with a
// delay otherwise; malformed jobs are terminated. Running jobs are waited for on return.
func (q *JetStreamQueue) Consume(ctx context.Context, handler Handler) error {
	sub, err := q.js.PullSubscribe(
		q.cfg.JobSubjectPrefix+".>",
		q.cfg.JobDurableName,
		nats.AckWait(q.cfg.AckWait),
		nats.MaxDeliver(q.cfg.MaxDeliver),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}
	q.logger.Info("Consuming jobs",
		zap.String("durable_consumer", q.cfg.JobDurableName),
		zap.Int("max_concurrent_jobs", q.cfg.MaxConcurrentJobs))

	limit := q.cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// Only fetch what can start right away so fetched jobs never wait out AckWait.
		select {
		case sem <- struct{}{}:
			<-sem
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			q.logger.Info("Stopping job consumer")
			return nil
		}
		batch := cap(sem) - len(sem)
		if batch > fetchBatch {
			batch = fetchBatch
		}
		msgs, err := sub.Fetch(batch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			q.logger.Error("Error fetching jobs", zap.Error(err))
			if !sub.IsValid() || q.nc.IsClosed() {
				return fmt.Errorf("job subscription lost: %w", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}
		for _, msg := range msgs {
			sem <- struct{}{}
			wg.Add(1)
			go func(msg *nats.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, msg, handler)
			}(msg)
		}
	}
}

// progressInterval is how often a running job tells the server it is still being worked
// on. It stays well inside ackWait.
func progressInterval(ackWait time.Duration) time.Duration {
	d := ackWait / 3
	if d < minProgressInterval {
		return minProgressInterval
	}
	return d
}

// keepAlive marks msg in progress until stop is closed.
func (q *JetStreamQueue) keepAlive(msg *nats.Msg, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval(q.cfg.AckWait))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := msg.InProgress(); err != nil {
				logger.Warn("Failed to extend job ack deadline", zap.Error(err))
			}
		}
	}
}

func (q *JetStreamQueue) handle(ctx context.Context, msg *nats.Msg, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("Dropping malformed job", zap.Error(err), zap.ByteString("raw_data", msg.Data))
		if termErr := msg.Term(); termErr != nil {
			q.logger.Error("Failed to terminate malformed job", zap.Error(termErr))
		}
		return
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	jobCtx := logging.WithJobID(ctx, job.ID)
	logger := logging.FromContext(jobCtx, q.logger).With(zap.String("kind", job.Kind), zap.String("key", job.Key))

	stop := make(chan struct{})
	go q.keepAlive(msg, logger, stop)
	err := handler(jobCtx, job)
	close(stop)

	var unknown *UnknownKindError
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			logger.Error("Failed to ACK job", zap.Error(ackErr))
		}
	case errors.As(err, &unknown):
		logger.Error("Dropping job without handler", zap.Error(err))
		_ = msg.Term()
	default:
		logger.Warn("Job failed, scheduling redelivery", zap.Int("attempt", job.Attempt), zap.Error(err))
		if nakErr := msg.NakWithDelay(nakDelay); nakErr != nil {
			logger.Error("Failed to NAK job", zap.Error(nakErr))
		}
	}
}

var _ Queue = (*JetStreamQueue)(nil)
