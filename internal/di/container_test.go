package di

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevnProgg/MyPay/internal/config"
)

func memoryConfig(env map[string]string) *config.Config {
	base := map[string]string{
		"IDEMPOTENCY_BACKEND": "memory",
		"LEDGER_BACKEND":      "memory",
		"WEBHOOK_BACKEND":     "memory",
		"CPAY_API_KEY":        "key",
		"CPAY_API_SECRET":     "secret",
	}
	for k, v := range env {
		base[k] = v
	}
	return config.LoadFrom(func(k string) (string, bool) {
		v, ok := base[k]
		return v, ok
	})
}

func TestNewContainerInMemory(t *testing.T) {
	c, err := NewContainer(context.Background(), memoryConfig(nil))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"cpay"}, c.Registry.Names())
	assert.NotNil(t, c.Payments)
	assert.NotNil(t, c.Webhooks)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Handler)
}

func TestNewContainerRejectsUnknownBackends(t *testing.T) {
	for _, env := range []map[string]string{
		{"IDEMPOTENCY_BACKEND": "etcd"},
		{"LEDGER_BACKEND": "mysql"},
		{"WEBHOOK_BACKEND": "kafka"},
	} {
		_, err := NewContainer(context.Background(), memoryConfig(env))
		assert.Error(t, err, "%v", env)
	}
}

func TestNeedsAWS(t *testing.T) {
	assert.False(t, needsAWS(memoryConfig(nil)))
	assert.True(t, needsAWS(memoryConfig(map[string]string{"LEDGER_BACKEND": "dynamodb"})))
	assert.True(t, needsAWS(memoryConfig(map[string]string{"WEBHOOK_QUEUE_URL": "https://sqs.local/q"})))
}
