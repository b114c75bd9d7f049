package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/webhooks"
)

// --- mock implementations ---

type mockWebhooks struct {
	redelivered []string
	failFor     map[string]error
	scans       int
	lastLimit   int
}

func (m *mockWebhooks) Redeliver(_ context.Context, id string) (*webhooks.Result, error) {
	if err, ok := m.failFor[id]; ok {
		return nil, err
	}
	m.redelivered = append(m.redelivered, id)
	return &webhooks.Result{Outcome: webhooks.OutcomeAccepted, EventID: id}, nil
}

func (m *mockWebhooks) RetryDue(_ context.Context, _ time.Time, limit int) (int, error) {
	m.scans++
	m.lastLimit = limit
	return 3, nil
}

func sqsRecord(t *testing.T, id, eventID string) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(webhooks.RedeliveryMessage{WebhookEventID: eventID, Provider: "cpay"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

// --- test cases ---

func TestWorkerHandle_Success(t *testing.T) {
	mock := &mockWebhooks{}
	p := NewProcessor(mock, 10)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		sqsRecord(t, "m1", "evt-1"),
		sqsRecord(t, "m2", "evt-2"),
	}})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %+v", resp.BatchItemFailures)
	}
	if len(mock.redelivered) != 2 || mock.redelivered[0] != "evt-1" || mock.redelivered[1] != "evt-2" {
		t.Fatalf("unexpected redeliveries: %v", mock.redelivered)
	}
}

func TestWorkerHandle_PartialFailures(t *testing.T) {
	mock := &mockWebhooks{failFor: map[string]error{
		"gone":  apperrors.New(apperrors.KindNotFound, "webhooks.Redeliver", "webhook event not found"),
		"flaky": errors.New("dynamodb unavailable"),
	}}
	p := NewProcessor(mock, 10)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		sqsRecord(t, "m1", "gone"),
		sqsRecord(t, "m2", "flaky"),
		{MessageId: "m3", Body: "{not json"},
		sqsRecord(t, "m4", "evt-4"),
	}})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}

	failed := map[string]bool{}
	for _, f := range resp.BatchItemFailures {
		failed[f.ItemIdentifier] = true
	}
	if len(failed) != 2 || !failed["m2"] || !failed["m3"] {
		t.Fatalf("expected m2 and m3 to be retried, got %v", failed)
	}
	if len(mock.redelivered) != 1 || mock.redelivered[0] != "evt-4" {
		t.Fatalf("unexpected redeliveries: %v", mock.redelivered)
	}
}

func TestWorkerInvoke_Routes(t *testing.T) {
	mock := &mockWebhooks{}
	p := NewProcessor(mock, 25)

	out, err := p.Invoke(context.Background(), json.RawMessage(`{"detail-type":"Scheduled Event","source":"aws.events"}`))
	if err != nil {
		t.Fatalf("scheduled invoke: %v", err)
	}
	if mock.scans != 1 || mock.lastLimit != 25 {
		t.Fatalf("expected one scan with limit 25, got %d scans limit %d", mock.scans, mock.lastLimit)
	}
	if got := out.(map[string]int)["handled"]; got != 3 {
		t.Fatalf("expected handled=3, got %d", got)
	}

	body, _ := json.Marshal(events.SQSEvent{Records: []events.SQSMessage{sqsRecord(t, "m1", "evt-9")}})
	if _, err := p.Invoke(context.Background(), body); err != nil {
		t.Fatalf("sqs invoke: %v", err)
	}
	if len(mock.redelivered) != 1 || mock.redelivered[0] != "evt-9" {
		t.Fatalf("unexpected redeliveries: %v", mock.redelivered)
	}

	if _, err := p.Invoke(context.Background(), json.RawMessage(`[1,2]`)); err == nil {
		t.Fatal("expected error for unknown payload")
	}
}
