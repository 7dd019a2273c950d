package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func ok(context.Context) error { return nil }

func TestRegistryEmpty(t *testing.T) {
	rep := NewRegistry().CheckAll(context.Background())
	if !rep.Ready || rep.Degraded {
		t.Fatalf("empty registry should be ready, got %+v", rep)
	}
	if len(rep.Checks) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(rep.Checks))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, ok)
	r.Register("redis", false, ok)

	rep := r.CheckAll(context.Background())
	if !rep.Ready || rep.Degraded {
		t.Fatalf("expected ready and not degraded, got %+v", rep)
	}
	if len(rep.Checks) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(rep.Checks))
	}
	if rep.Checks[0].Name != "database" || rep.Checks[1].Name != "redis" {
		t.Errorf("checks out of registration order: %+v", rep.Checks)
	}
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, func(context.Context) error { return errors.New("connection refused") })
	r.Register("nsqd", false, ok)

	rep := r.CheckAll(context.Background())
	if rep.Ready {
		t.Fatal("critical failure should make the registry not ready")
	}
	if rep.Checks[0].Detail != "connection refused" {
		t.Errorf("unexpected detail %q", rep.Checks[0].Detail)
	}
}

func TestRegistryOptionalFailureDegrades(t *testing.T) {
	r := NewRegistry()
	r.Register("database", true, ok)
	r.Register("redis", false, func(context.Context) error { return errors.New("i/o timeout") })

	rep := r.CheckAll(context.Background())
	if !rep.Ready {
		t.Fatal("optional failure must not affect readiness")
	}
	if !rep.Degraded {
		t.Fatal("optional failure should mark the registry degraded")
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(10 * time.Millisecond)
	r.Register("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	rep := r.CheckAll(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("check was not bounded by the timeout")
	}
	if rep.Ready {
		t.Fatal("timed out check should fail")
	}
}
