// Package control receives external operator signals over Redis pub/sub.
// Its one message today is "resume task": a human has cleared a challenge
// and wants the paused task to continue.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/blackvectorops/flowcap/api/schemas"
)

// Listener consumes resume requests from one channel and answers each with
// a receipt on another, so the operator can tell a refused resume from a
// lost message.
type Listener struct {
	logger         *zap.Logger
	client         redis.UniversalClient
	resumer        schemas.Resumer
	resumeChannel  string
	receiptChannel string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewListener(logger *zap.Logger, client redis.UniversalClient, resumer schemas.Resumer, resumeChannel, receiptChannel string) *Listener {
	return &Listener{
		logger:         logger.Named("control"),
		client:         client,
		resumer:        resumer,
		resumeChannel:  resumeChannel,
		receiptChannel: receiptChannel,
	}
}

// Start subscribes and consumes resume requests until the context ends or
// Stop is called. It returns once the subscription is confirmed, so a
// request published right after Start is not lost.
func (l *Listener) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	sub := l.client.Subscribe(runCtx, l.resumeChannel)
	if _, err := sub.Receive(runCtx); err != nil {
		cancel()
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", l.resumeChannel, err)
	}

	l.done = make(chan struct{})
	go l.run(runCtx, sub)

	l.logger.Info("Resume listener started",
		zap.String("resume_channel", l.resumeChannel),
		zap.String("receipt_channel", l.receiptChannel),
	)
	return nil
}

func (l *Listener) run(ctx context.Context, sub *redis.PubSub) {
	defer close(l.done)
	defer func() { _ = sub.Close() }()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			l.handle(ctx, msg.Payload)
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload string) {
	taskID := parseResumeRequest(payload)
	if taskID == "" {
		l.logger.Warn("Ignoring malformed resume request", zap.String("payload", payload))
		return
	}

	receipt := l.resumer.Resume(taskID)
	l.logger.Info("Processed resume request",
		zap.String("task_id", taskID),
		zap.Bool("accepted", receipt.Accepted),
		zap.String("reason", receipt.Reason),
	)

	body, err := json.Marshal(receipt)
	if err != nil {
		l.logger.Error("Failed to encode resume receipt", zap.Error(err))
		return
	}
	if err := l.client.Publish(ctx, l.receiptChannel, body).Err(); err != nil {
		l.logger.Warn("Failed to publish resume receipt",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Stop ends the subscription and waits for the consumer to drain.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

type resumeRequest struct {
	TaskID string `json:"task_id"`
}

// parseResumeRequest accepts either a JSON body {"task_id": "..."} or a
// bare task id, which keeps manual redis-cli publishes workable.
func parseResumeRequest(payload string) string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ""
	}
	if strings.HasPrefix(payload, "{") {
		var req resumeRequest
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return ""
		}
		return strings.TrimSpace(req.TaskID)
	}
	return payload
}
