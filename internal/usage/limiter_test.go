package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "CogniVerve/internal/errors"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckAndReserveWithinLimit(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), StaticTierResolver{Plan: PlanFree})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1); err != nil {
			t.Fatalf("reserve %d: unexpected error %v", i, err)
		}
	}
	err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1)
	if xerrors.CodeOf(err) != CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}
}

func TestCheckAndReserveRejectionKeepsCounter(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, StaticTierResolver{Plan: PlanFree})
	ctx := context.Background()

	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 5); xerrors.CodeOf(err) != CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %v", err)
	}

	used, err := store.Used(ctx, "owner-1", PeriodKey(time.Now()))
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used[ResourceAPICalls] != 99 {
		t.Fatalf("expected counter unchanged at 99, got %d", used[ResourceAPICalls])
	}
}

func TestUnlimitedPlanNeverRejects(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), StaticTierResolver{Plan: PlanEnterprise})
	ctx := context.Background()

	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceComputeMinutes, 1_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPeriodRolloverResetsCounter(t *testing.T) {
	store := NewMemoryStore()
	january := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	limiter := NewLimiter(store, StaticTierResolver{Plan: PlanFree}, WithClock(fixedClock(january)))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1); xerrors.CodeOf(err) != CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED before rollover, got %v", err)
	}

	february := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	limiter = NewLimiter(store, StaticTierResolver{Plan: PlanFree}, WithClock(fixedClock(february)))
	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1); err != nil {
		t.Fatalf("expected fresh quota after rollover, got %v", err)
	}
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, StaticTierResolver{Plan: PlanFree})
	ctx := context.Background()

	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 1); err == nil {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if granted != 100 {
		t.Fatalf("expected exactly 100 grants, got %d", granted)
	}
	used, err := store.Used(ctx, "owner-1", PeriodKey(time.Now()))
	if err != nil {
		t.Fatalf("used: %v", err)
	}
	if used[ResourceAPICalls] != 100 {
		t.Fatalf("expected counter 100, got %d", used[ResourceAPICalls])
	}
}

func TestSnapshotReportsPlanAndLimits(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), StaticTierResolver{Plan: PlanBasic})
	ctx := context.Background()

	if err := limiter.CheckAndReserve(ctx, "owner-1", ResourceAPICalls, 7); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	limiter.Record(ctx, "owner-1", ResourceComputeMinutes, 3)

	snap, err := limiter.Snapshot(ctx, "owner-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Plan != PlanBasic {
		t.Fatalf("expected plan basic, got %s", snap.Plan)
	}
	if snap.Used[ResourceAPICalls] != 7 {
		t.Fatalf("expected 7 api calls used, got %d", snap.Used[ResourceAPICalls])
	}
	if snap.Used[ResourceComputeMinutes] != 3 {
		t.Fatalf("expected 3 compute minutes used, got %d", snap.Used[ResourceComputeMinutes])
	}
	if snap.Limits[ResourceAPICalls] != 10000 {
		t.Fatalf("expected limit 10000, got %d", snap.Limits[ResourceAPICalls])
	}
}
