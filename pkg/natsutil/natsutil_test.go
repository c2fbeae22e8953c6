package natsutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

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

type notice struct {
	RelationID string `json:"relation_id"`
	Conflicts  int    `json:"conflicts"`
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*headerCarrier)(msg)
	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}

	carrier.Set("traceparent", "00-abc-def-01")
	carrier.Set("traceparent", "00-abc-def-02")
	if got := carrier.Get("traceparent"); got != "00-abc-def-02" {
		t.Fatalf("expected overwrite, got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestInjectExtract_RoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg := nats.NewMsg("kg.conflicts")
	Inject(ctx, msg)
	if msg.Header.Get("traceparent") == "" {
		t.Fatal("traceparent header not injected")
	}
	got := trace.SpanContextFromContext(Extract(context.Background(), msg))
	if got.TraceID() != traceID {
		t.Fatalf("trace id = %s", got.TraceID())
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan notice, 1)
	sub, err := Subscribe(nc, "test.conflicts", func(_ context.Context, n notice) {
		ch <- n
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(context.Background(), nc, "test.conflicts", notice{RelationID: "r1", Conflicts: 2}); err != nil {
		t.Fatal(err)
	}
	select {
	case n := <-ch:
		if n.RelationID != "r1" || n.Conflicts != 2 {
			t.Fatalf("unexpected: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan notice, 2)
	sub, err := Subscribe(nc, "test.malformed", func(_ context.Context, n notice) {
		ch <- n
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("test.malformed", []byte("{not json"))
	good, _ := json.Marshal(notice{RelationID: "ok"})
	nc.Publish("test.malformed", good)

	select {
	case n := <-ch:
		if n.RelationID != "ok" {
			t.Fatalf("malformed message reached handler: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestPublishMarshalError(t *testing.T) {
	nc := startTestNATS(t)
	if err := Publish(context.Background(), nc, "test.bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
