package recovery

import (
	"testing"
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/errs"
)

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:    3,
		RetryDelay:    time.Second,
		RetryBackoff:  2.0,
		MaxRetryDelay: 10 * time.Second,
	}
}

func TestObserveUserActionableRequestsUser(t *testing.T) {
	m := New(testRecoveryConfig())
	action := m.Observe(errs.New(errs.KindPermissionDenied, "denied"))
	if action != ActionRequestUserAction {
		t.Fatalf("expected RequestUserAction, got %s", action)
	}
}

func TestObserveStructuralStops(t *testing.T) {
	m := New(testRecoveryConfig())
	action := m.Observe(errs.New(errs.KindConfigError, "bad config"))
	if action != ActionStop {
		t.Fatalf("expected Stop, got %s", action)
	}
}

func TestObserveTransientRetriesThenFallsBack(t *testing.T) {
	m := New(testRecoveryConfig())
	err := errs.New(errs.KindNetworkError, "timeout")

	for i := 0; i < 3; i++ {
		action := m.Observe(err)
		if action != ActionRetry {
			t.Fatalf("attempt %d: expected Retry, got %s", i, action)
		}
	}
	// Fourth occurrence exceeds MaxRetries=3.
	action := m.Observe(err)
	if action != ActionFallbackLowPower {
		t.Fatalf("expected FallbackLowPower after exhausting retries, got %s", action)
	}
}

func TestObserveIgnoreKind(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.IgnoreKinds = []string{string(errs.KindUnknown)}
	m := New(cfg)

	action := m.Observe(errs.New(errs.KindUnknown, "shrug"))
	if action != ActionIgnore {
		t.Fatalf("expected Ignore, got %s", action)
	}
}

func TestClearResetsRetryCount(t *testing.T) {
	m := New(testRecoveryConfig())
	err := errs.New(errs.KindNetworkError, "timeout")
	m.Observe(err)
	m.Observe(err)
	if m.RetryCount(errs.KindNetworkError) != 2 {
		t.Fatalf("expected retry count 2, got %d", m.RetryCount(errs.KindNetworkError))
	}
	m.Clear(errs.KindNetworkError)
	if m.RetryCount(errs.KindNetworkError) != 0 {
		t.Fatal("expected retry count to reset to 0 after Clear")
	}
}
