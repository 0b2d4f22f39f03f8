package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/buttermb/delviery-sub006/model"
)

func TestExecutorMuxRoutesByKind(t *testing.T) {
	mux := NewExecutorMux()
	mux.Register("log", NewLogExecutor(zap.NewNop()))

	ok, err := mux.Execute(context.Background(), "log", nil, model.TriggerData{TableName: "orders"})
	if err != nil || !ok {
		t.Fatalf("log executor: ok=%v err=%v", ok, err)
	}

	_, err = mux.Execute(context.Background(), "email", nil, model.TriggerData{})
	if err == nil || !strings.Contains(err.Error(), "no executor registered") {
		t.Fatalf("expected unregistered kind error, got %v", err)
	}
}

func TestWebhookExecutorDeliversTriggerPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fn := NewWebhookExecutor(srv.Client())
	trigger := model.TriggerData{
		TableName:  "orders",
		Operation:  "update",
		NewRow:     map[string]any{"status": "cancelled"},
		OccurredAt: time.Now().UTC(),
	}
	ok, err := fn(context.Background(), map[string]any{"url": srv.URL}, trigger)
	if err != nil || !ok {
		t.Fatalf("webhook execute: ok=%v err=%v", ok, err)
	}
	if got["table_name"] != "orders" || got["operation"] != "update" {
		t.Fatalf("payload = %v", got)
	}
}

func TestWebhookExecutorFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	fn := NewWebhookExecutor(srv.Client())

	if ok, err := fn(context.Background(), map[string]any{"url": srv.URL}, model.TriggerData{}); ok || err == nil {
		t.Fatalf("non-2xx response: ok=%v err=%v", ok, err)
	}
	if ok, err := fn(context.Background(), map[string]any{}, model.TriggerData{}); ok || err == nil {
		t.Fatalf("missing url: ok=%v err=%v", ok, err)
	}
}
