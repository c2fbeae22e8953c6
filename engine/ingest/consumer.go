package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/pkg/natsutil"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const (
	// IngestSubject carries one JSON RelationInput per message.
	IngestSubject = "kg.ingest.relations"
	// DLQSubject receives messages that failed terminally.
	DLQSubject = "kg.ingest.relations.dlq"
	// ConflictSubject receives ConflictNotice messages.
	ConflictSubject = "kg.conflicts"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader counts redeliveries.
	RetryHeader = "X-Retry-Count"
)

// NATSNotifier publishes conflict notices on ConflictSubject.
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier creates a NATSNotifier.
func NewNATSNotifier(nc *nats.Conn) *NATSNotifier {
	return &NATSNotifier{nc: nc}
}

// NotifyConflicts implements ConflictNotifier.
func (n *NATSNotifier) NotifyConflicts(ctx context.Context, notice ConflictNotice) error {
	return natsutil.Publish(ctx, n.nc, ConflictSubject, notice)
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type consumer struct {
	svc     *Service
	pub     msgPublisher
	limiter *rate.Limiter
	log     *slog.Logger
}

// StartConsumer subscribes to IngestSubject and upserts each relation.
// Store failures are re-published with an incremented RetryHeader until
// MaxRetries, then sent to DLQSubject. Malformed and invalid relations go to
// the DLQ straight away; duplicates are dropped. A nil limiter disables
// throttling.
func StartConsumer(nc *nats.Conn, svc *Service, limiter *rate.Limiter) (*nats.Subscription, error) {
	c := &consumer{svc: svc, pub: nc, limiter: limiter, log: svc.log}
	return nc.Subscribe(IngestSubject, c.handle)
}

func (c *consumer) handle(msg *nats.Msg) {
	defer func() {
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	}()

	ctx := natsutil.Extract(context.Background(), msg)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.log.Error("ingest: rate limiter", "error", err)
			return
		}
	}

	var in domain.RelationInput
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		c.log.Error("ingest: unmarshal failed", "error", err)
		c.deadLetter(msg.Data, err, 0)
		return
	}

	res, err := c.svc.UpsertRelation(ctx, in)
	switch {
	case err == nil && res.Created:
		c.log.Info("ingest: created", "id", res.ID, "type", in.Type, "status", res.Status)
	case err == nil:
		c.log.Info("ingest: skipping duplicate", "id", res.ID, "type", in.Type)
	case domain.IsValidation(err):
		c.log.Warn("ingest: rejected", "error", err, "type", in.Type)
		c.deadLetter(msg.Data, err, 0)
	default:
		c.retry(ctx, msg, err)
	}
}

func (c *consumer) retry(ctx context.Context, msg *nats.Msg, cause error) {
	retries := 0
	if msg.Header != nil {
		if v := msg.Header.Get(RetryHeader); v != "" {
			retries, _ = strconv.Atoi(v)
		}
	}
	retries++
	c.log.Error("ingest: upsert failed", "error", cause, "retry", retries)

	if retries >= MaxRetries {
		c.deadLetter(msg.Data, cause, retries)
		return
	}
	retryMsg := nats.NewMsg(IngestSubject)
	retryMsg.Data = msg.Data
	natsutil.Inject(ctx, retryMsg)
	retryMsg.Header.Set(RetryHeader, fmt.Sprintf("%d", retries))
	if err := c.pub.PublishMsg(retryMsg); err != nil {
		c.log.Error("ingest: retry publish failed", "error", err)
	}
}

func (c *consumer) deadLetter(data []byte, cause error, retries int) {
	payload, _ := json.Marshal(dlqMessage{
		Relation: string(data),
		Error:    cause.Error(),
		Retries:  retries,
	})
	if err := c.pub.PublishMsg(&nats.Msg{Subject: DLQSubject, Data: payload}); err != nil {
		c.log.Error("ingest: DLQ publish failed", "error", err)
	}
}
