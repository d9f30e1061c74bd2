package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeChecker struct {
	name    string
	healthy atomic.Int32
	started atomic.Int32
}

func (f *fakeChecker) Name() string    { return f.name }
func (f *fakeChecker) IsHealthy() bool { return f.healthy.Load() == 1 }
func (f *fakeChecker) Start(ctx context.Context, _ time.Duration) {
	f.started.Store(1)
}

func TestServiceChecker_Transitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &fakeChecker{name: "a"}
	b := &fakeChecker{name: "b"}
	a.healthy.Store(1)
	b.healthy.Store(1)

	svc := NewServiceChecker(zerolog.Nop(), a, b)
	go svc.Start(ctx, 10*time.Millisecond)

	// Initially healthy
	waitTrue(t, func() bool { return svc.IsHealthy() })
	waitTrue(t, func() bool { return a.started.Load() == 1 && b.started.Load() == 1 })

	// Flip one to unhealthy
	b.healthy.Store(0)
	waitTrue(t, func() bool { return !svc.IsHealthy() })
	st := svc.Status()
	if st.Status != "DOWN" || st.Components["a"] != "UP" || st.Components["b"] != "DOWN" {
		t.Fatalf("unexpected status: %+v", st)
	}

	// Recover
	b.healthy.Store(1)
	waitTrue(t, func() bool { return svc.IsHealthy() })
}

func TestServiceChecker_DownBeforeStart(t *testing.T) {
	a := &fakeChecker{name: "a"}
	a.healthy.Store(1)
	svc := NewServiceChecker(zerolog.Nop(), a)
	if svc.IsHealthy() {
		t.Fatalf("service must report DOWN before the first evaluation")
	}
	if got := svc.Status().Status; got != "DOWN" {
		t.Fatalf("status = %q", got)
	}
}

func waitTrue(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
