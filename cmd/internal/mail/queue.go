package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

// TaskSend is the asynq task type for queued messages.
const TaskSend = "mail:send"

const (
	queueName     = "mail"
	queueMaxRetry = 5
)

// QueueSender enqueues messages for a Worker to deliver.
type QueueSender struct {
	client *asynq.Client
}

// NewQueueSender connects an asynq client to redisURL.
func NewQueueSender(redisURL string) (*QueueSender, error) {
	opt, err := parseRedis(redisURL)
	if err != nil {
		return nil, err
	}
	return &QueueSender{client: asynq.NewClient(opt)}, nil
}

// Send implements Sender by enqueueing a mail:send task.
func (q *QueueSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	task, err := NewSendTask(msg)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(queueName),
		asynq.MaxRetry(queueMaxRetry),
		asynq.Timeout(30*time.Second),
	); err != nil {
		return fmt.Errorf("mail: enqueue: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (q *QueueSender) Close() error { return q.client.Close() }

// NewSendTask encodes msg as a mail:send task.
func NewSendTask(msg Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSend, payload), nil
}

// HandleSend returns the task handler that delivers through sender.
// Undecodable or invalid payloads are not retried.
func HandleSend(sender Sender) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("mail: decode task: %v: %w", err, asynq.SkipRetry)
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return sender.Send(ctx, msg)
	}
}

// Worker runs an in-process asynq server that drains the mail queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker builds a worker delivering through sender.
func NewWorker(redisURL string, sender Sender, log *slog.Logger) (*Worker, error) {
	if sender == nil {
		return nil, errors.New("mail: nil sender")
	}
	if log == nil {
		log = slog.Default()
	}
	opt, err := parseRedis(redisURL)
	if err != nil {
		return nil, err
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{queueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error("mail.task.fail", "type", task.Type(), "err", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskSend, HandleSend(sender))
	return &Worker{server: srv, mux: mux}, nil
}

// Run blocks until ctx is canceled, then shuts the server down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("mail: worker start: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

func parseRedis(url string) (asynq.RedisConnOpt, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("mail: redis url is required")
	}
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("mail: parse redis url: %w", err)
	}
	return opt, nil
}
