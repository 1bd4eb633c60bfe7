package infra

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_DefaultsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Governance.Policy.FailClosed)
	assert.Equal(t, "DENY_OVERRIDES", cfg.Governance.Policy.ConflictStrategy)
	assert.Equal(t, []float64{0.5, 0.75, 0.9, 1.0}, cfg.Governance.Budget.AlertThresholds)
	assert.Equal(t, 24*time.Hour, cfg.Governance.Approval.TTL)
	assert.Equal(t, 60, cfg.Governance.RateLimit.RequestsPerMinute)

	yaml := []byte(`
server:
  port: 8100
governance:
  approval:
    cost_threshold: 25
    sensitive_keywords: [drop, delete]
  rate_limit:
    requests_per_minute: 5
notify:
  approvers:
    - id: alice
      email: alice@example.com
      preferred_channels: [slack, email]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("GOVERNANCE_POLICY_FAIL_CLOSED", "false")
	t.Setenv("AUTH_PUBLIC_KEY_DATA", "-----BEGIN PUBLIC KEY-----")

	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.False(t, cfg.Governance.Policy.FailClosed, "env overrides defaults")
	assert.InDelta(t, 25.0, cfg.Governance.Approval.CostThreshold, 1e-9)
	assert.Equal(t, []string{"drop", "delete"}, cfg.Governance.Approval.SensitiveKeywords)
	assert.Equal(t, 5, cfg.Governance.RateLimit.RequestsPerMinute)
	require.Len(t, cfg.Notify.Approvers, 1)
	assert.Equal(t, []string{"slack", "email"}, cfg.Notify.Approvers[0].PreferredChannels)
	assert.Equal(t, []byte("-----BEGIN PUBLIC KEY-----"), cfg.Auth.PublicKey)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestListenResilient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var syncs atomic.Int32
	got := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ListenResilient(ctx, rdb, zap.NewNop(), RedisChanPolicyUpdate,
			func() error { syncs.Add(1); return nil },
			func(p string) { got <- p },
		)
	}()

	require.Eventually(t, func() bool { return syncs.Load() == 1 }, time.Second, 5*time.Millisecond,
		"reconnect hook runs after the first subscribe")

	require.NoError(t, rdb.Publish(ctx, RedisChanPolicyUpdate, "refresh").Err())
	select {
	case p := <-got:
		assert.Equal(t, "refresh", p)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "devit:approvals:execution:req-1", ApprovalExecutionChannel("req-1"))
	assert.Equal(t, "ratelimit:a:minute", RateLimitWindowKey("ratelimit:a", "minute"))
}
