package aws

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (m *mockCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "")
	t.Setenv("AWS_REGION", "")

	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Fatalf("expected default region 'us-east-1', got %s", cfg.Region)
	}
}

func TestLoadAWSConfig_WithEndpointOverride(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("AWS_ENDPOINT_OVERRIDE", "http://localhost:4566")

	cfg, err := LoadAWSConfig(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Fatalf("region mismatch, got %s", cfg.Region)
	}
	if cfg.BaseEndpoint == nil || *cfg.BaseEndpoint != os.Getenv("AWS_ENDPOINT_OVERRIDE") {
		t.Fatalf("base endpoint not applied: %v", cfg.BaseEndpoint)
	}
}

func TestPublisherSend(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/queue")

	msg := map[string]string{"webhook_event_id": "evt-1"}
	err := p.Send(context.Background(), msg, map[string]string{"provider": "mpesa", "empty": ""}, 1200)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected one message, got %d", len(mock.inputs))
	}
	in := mock.inputs[0]
	if in.DelaySeconds != 900 {
		t.Fatalf("delay not capped: %d", in.DelaySeconds)
	}
	if _, ok := in.MessageAttributes["empty"]; ok {
		t.Fatalf("empty attribute should be skipped")
	}
	if got := *in.MessageAttributes["provider"].StringValue; got != "mpesa" {
		t.Fatalf("provider attribute: %s", got)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(*in.MessageBody), &body); err != nil || body["webhook_event_id"] != "evt-1" {
		t.Fatalf("bad body %q: %v", *in.MessageBody, err)
	}
}

func TestMetricsEmitterCount(t *testing.T) {
	mock := &mockCloudWatch{}
	m := NewMetricsEmitter(mock, "MyPay")
	m.nowFunc = func() time.Time { return time.Unix(100, 0) }

	if err := m.Count(context.Background(), "WebhookDeadLettered", map[string]string{"Provider": "cpay", "Outcome": "dead"}); err != nil {
		t.Fatalf("count: %v", err)
	}
	in := mock.inputs[0]
	if *in.Namespace != "MyPay" {
		t.Fatalf("namespace %s", *in.Namespace)
	}
	d := in.MetricData[0]
	if *d.MetricName != "WebhookDeadLettered" || *d.Value != 1 {
		t.Fatalf("unexpected datum %+v", d)
	}
	if *d.Dimensions[0].Name != "Outcome" || *d.Dimensions[1].Name != "Provider" {
		t.Fatalf("dimensions not sorted: %v, %v", *d.Dimensions[0].Name, *d.Dimensions[1].Name)
	}
}
