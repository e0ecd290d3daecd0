package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"zerg-trader/internal/config"
	"zerg-trader/internal/signal"
	"zerg-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	// 内存库限制单连接，避免多连接各自拿到独立的空库。
	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("init monitor service: %v", err)
	}
	return svc
}

func TestServiceRecordAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordSignalIngest(ctx, signal.New("agent-a", "AAPL", signal.ActionBuy, 0.8, 0.6, "breakout"))
	svc.RecordSignalIngest(ctx, signal.New("agent-b", "MSFT", signal.ActionSell, 0.7, 0.5, "reversal"))
	svc.RecordError(ctx, "pipeline stalled", errors.New("queue full"), map[string]interface{}{"stage": "fusion"})

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Type != EventError {
		t.Fatalf("expected newest event first, got %s", all[0].Type)
	}

	ingests, err := svc.ListEvents(ctx, EventSignalIngest, 10)
	if err != nil {
		t.Fatalf("list ingest events: %v", err)
	}
	if len(ingests) != 2 {
		t.Fatalf("expected 2 ingest events, got %d", len(ingests))
	}

	raw, ok := ingests[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", ingests[0].Payload)
	}
	var payload SignalIngestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode ingest payload: %v", err)
	}
	if payload.Signal.Symbol != "MSFT" {
		t.Fatalf("expected newest ingest MSFT, got %s", payload.Signal.Symbol)
	}
}

func TestServiceListEventsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFusion(ctx, signal.New("fusion-engine", "AAPL", signal.ActionBuy, 0.8, 0.6, "consensus"))
	}

	events, err := svc.ListEvents(ctx, EventFusion, 2)
	if err != nil {
		t.Fatalf("list fusion events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit 2, got %d events", len(events))
	}
}

func TestServiceRecordErrorPayload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "交易执行失败", errors.New("insufficient cash"), map[string]interface{}{"trade_id": "t-1"})

	events, err := svc.ListEvents(ctx, EventError, 1)
	if err != nil {
		t.Fatalf("list error events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(events))
	}

	raw := events[0].Payload.(json.RawMessage)
	var payload ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Error != "insufficient cash" {
		t.Fatalf("unexpected error field: %q", payload.Error)
	}
	if payload.Context["trade_id"] != "t-1" {
		t.Fatalf("unexpected context: %v", payload.Context)
	}
}
