package gateway

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	// Nothing listens on this address; checks fail open.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, RateLimitConfig{}, zap.NewNop())
}

// =============================================================================
// Limit Resolution Tests
// =============================================================================

// TestEffectiveLimit verifies every configured knob feeds the budget:
// tier rate, endpoint cap, cost multiplier, and the default fallback.
func TestEffectiveLimit(t *testing.T) {
	rl := testLimiter(t)

	tests := []struct {
		name     string
		tier     string
		endpoint string
		method   string
		want     int
	}{
		{"sensor on uncapped endpoint", "sensor", "/api/v1/runs/abc", "GET", 600},
		{"sensor capped by mapping endpoint", "sensor", "/api/v1/mappings", "POST", 30},
		{"analyst tier rate", "analyst", "/api/v1/runs/abc", "GET", 120},
		{"automation cost multiplier", "automation", "/api/v1/actions/execute", "POST", 12},
		{"unknown tier falls back to default", "stranger", "/api/v1/runs/abc", "GET", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := rl.getTierLimits(tt.tier)
			endpoint := rl.getEndpointLimits(tt.endpoint, tt.method)
			if got := rl.effectiveLimit(tier, endpoint); got != tt.want {
				t.Errorf("effectiveLimit(%s, %s %s) = %d, want %d",
					tt.tier, tt.method, tt.endpoint, got, tt.want)
			}
		})
	}
}

// TestDefaultTiers verifies the built-in tiers carry per-minute budgets.
func TestDefaultTiers(t *testing.T) {
	tiers := DefaultTiers()

	for _, name := range []string{"sensor", "analyst", "automation"} {
		limits, ok := tiers[name]
		if !ok {
			t.Errorf("missing tier %q", name)
			continue
		}
		if limits.RequestsPerMinute <= 0 {
			t.Errorf("tier %q has no per-minute budget", name)
		}
	}
}

// =============================================================================
// Availability Tests
// =============================================================================

// TestCheck_FailsOpen verifies an unreachable Redis allows the request;
// a rate limiter outage must never stop telemetry.
func TestCheck_FailsOpen(t *testing.T) {
	rl := testLimiter(t)

	result, err := rl.Check(context.Background(), "sensor", "client-1", "/api/v1/pipeline/run", "POST")
	if err != nil {
		t.Fatalf("Check must not surface transport errors: %v", err)
	}
	if !result.Allowed {
		t.Error("check must fail open when redis is unreachable")
	}
}
