package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

type fakePublisher struct {
	msgs []*nats.Msg
}

func (f *fakePublisher) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func newTestConsumer(store graph.Store) (*consumer, *fakePublisher) {
	pub := &fakePublisher{}
	svc := newTestService(store)
	return &consumer{svc: svc, pub: pub, log: svc.log}, pub
}

func relationMsg(t *testing.T, in domain.RelationInput) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	return &nats.Msg{Subject: IngestSubject, Data: data}
}

func decodeDLQ(t *testing.T, m *nats.Msg) dlqMessage {
	t.Helper()
	if m.Subject != DLQSubject {
		t.Fatalf("expected DLQ subject, got %s", m.Subject)
	}
	var d dlqMessage
	if err := json.Unmarshal(m.Data, &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestConsumer_CreatesAndDropsDuplicates(t *testing.T) {
	store := graph.NewMemStore()
	c, pub := newTestConsumer(store)

	c.handle(relationMsg(t, causes(0.9, "冷焊导致焊点开路，X-ray 确认")))
	c.handle(relationMsg(t, causes(0.9, "冷焊导致焊点开路，X-ray 确认")))

	if store.Len() != 1 {
		t.Fatalf("edges = %d", store.Len())
	}
	if len(pub.msgs) != 0 {
		t.Fatalf("nothing should be republished, got %d", len(pub.msgs))
	}
}

func TestConsumer_MalformedGoesToDLQ(t *testing.T) {
	c, pub := newTestConsumer(graph.NewMemStore())
	c.handle(&nats.Msg{Subject: IngestSubject, Data: []byte("{not json")})

	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 DLQ message, got %d", len(pub.msgs))
	}
	d := decodeDLQ(t, pub.msgs[0])
	if d.Relation != "{not json" || d.Retries != 0 || d.Error == "" {
		t.Fatalf("unexpected %+v", d)
	}
}

func TestConsumer_ValidationGoesToDLQ(t *testing.T) {
	store := graph.NewMemStore()
	c, pub := newTestConsumer(store)
	in := causes(0.9, "evidence long enough")
	in.Type = "FIXES"
	c.handle(relationMsg(t, in))

	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 DLQ message, got %d", len(pub.msgs))
	}
	if d := decodeDLQ(t, pub.msgs[0]); d.Retries != 0 {
		t.Fatalf("validation failures are not retried: %+v", d)
	}
	if store.Len() != 0 {
		t.Fatal("invalid relation stored")
	}
}

func TestConsumer_RetriesStoreErrors(t *testing.T) {
	c, pub := newTestConsumer(failingStore{})

	msg := relationMsg(t, causes(0.9, "evidence long enough"))
	c.handle(msg)
	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(pub.msgs))
	}
	retry := pub.msgs[0]
	if retry.Subject != IngestSubject || retry.Header.Get(RetryHeader) != "1" {
		t.Fatalf("unexpected retry %s %v", retry.Subject, retry.Header)
	}
	if string(retry.Data) != string(msg.Data) {
		t.Fatal("retry must carry the original payload")
	}

	c.handle(retry)
	if got := pub.msgs[1].Header.Get(RetryHeader); got != "2" {
		t.Fatalf("retry header = %q, want 2", got)
	}

	c.handle(pub.msgs[1])
	if len(pub.msgs) != 3 {
		t.Fatalf("expected 3 published, got %d", len(pub.msgs))
	}
	d := decodeDLQ(t, pub.msgs[2])
	if d.Retries != MaxRetries {
		t.Fatalf("retries = %d, want %d", d.Retries, MaxRetries)
	}
}

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func TestStartConsumer_EndToEnd(t *testing.T) {
	nc := startTestNATS(t)
	store := graph.NewMemStore()
	ctx := context.Background()
	in := causes(0.9, "冷焊导致焊点开路，切片确认")
	store.CreateRelation(ctx, domain.Prevents, in.Source, in.Target, map[string]any{"confidence": 0.6, "evidence": "旧数据"})

	svc := NewService(Deps{
		Store:    store,
		Schema:   domain.DefaultSchema(),
		Notifier: NewNATSNotifier(nc),
		Logger:   quietLogger(),
	})

	notices := make(chan *nats.Msg, 1)
	dlq := make(chan *nats.Msg, 1)
	if _, err := nc.ChanSubscribe(ConflictSubject, notices); err != nil {
		t.Fatal(err)
	}
	if _, err := nc.ChanSubscribe(DLQSubject, dlq); err != nil {
		t.Fatal(err)
	}
	sub, err := StartConsumer(nc, svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	data, _ := json.Marshal(in)
	if err := nc.Publish(IngestSubject, data); err != nil {
		t.Fatal(err)
	}
	if err := nc.Publish(IngestSubject, []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	select {
	case m := <-notices:
		var n ConflictNotice
		if err := json.Unmarshal(m.Data, &n); err != nil {
			t.Fatal(err)
		}
		if n.Type != domain.Causes || len(n.Conflicts) != 1 {
			t.Fatalf("unexpected notice %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conflict notice")
	}

	select {
	case m := <-dlq:
		if d := decodeDLQ(t, m); d.Relation != "garbage" {
			t.Fatalf("unexpected DLQ %+v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}

	if store.Len() != 2 {
		t.Fatalf("edges = %d, want 2", store.Len())
	}
}
