package api_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/api"
	"github.com/ratelink/ratelink-go/clock"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/backend/memory"
	"github.com/ratelink/ratelink-go/types"
)

func newTestPool(t *testing.T, total int64) *api.QuotaPool {
	t.Helper()
	p, err := api.NewQuotaPool("tenants", total, time.Minute, config.FixedWindow, memory.New(), api.WithClock(clock.NewFake(testTime)))
	if err != nil {
		t.Fatalf("NewQuotaPool failed: %v", err)
	}
	return p
}

func TestQuotaPool_AllocationsBoundedByTotal(t *testing.T) {
	p := newTestPool(t, 100)

	if err := p.Allocate("tenant-a", 60); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := p.Allocate("tenant-b", 30); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	// 20 more would push the sum to 110.
	err := p.Allocate("tenant-c", 20)
	if !errors.Is(err, types.ErrCapacityExceeded) {
		t.Fatalf("Over-allocation: err = %v, want ErrCapacityExceeded", err)
	}

	// The exact remainder still fits.
	if err := p.Allocate("tenant-c", 10); err != nil {
		t.Fatalf("Allocate of exact remainder failed: %v", err)
	}

	stats := p.Stats()
	if stats.Allocated != 100 || stats.Available != 0 {
		t.Fatalf("Stats = %+v, want Allocated 100, Available 0", stats)
	}
}

func TestQuotaPool_MembersAreIsolated(t *testing.T) {
	p := newTestPool(t, 10)
	ctx := context.Background()

	if err := p.Allocate("tenant-a", 2); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := p.Allocate("tenant-b", 8); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		d, err := p.Check(ctx, "tenant-a", 1)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("tenant-a request %d unexpectedly denied", i+1)
		}
	}
	d, err := p.Check(ctx, "tenant-a", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("tenant-a exceeded its slice")
	}

	// tenant-b's slice is untouched by tenant-a's exhaustion.
	d, err = p.Check(ctx, "tenant-b", 8)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("tenant-b unexpectedly denied within its own slice")
	}
}

func TestQuotaPool_DuplicateAllocation(t *testing.T) {
	p := newTestPool(t, 10)
	if err := p.Allocate("tenant-a", 5); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := p.Allocate("tenant-a", 1); err == nil {
		t.Fatalf("Duplicate allocation should fail")
	}
}

func TestQuotaPool_UnknownMember(t *testing.T) {
	p := newTestPool(t, 10)
	if _, err := p.Check(context.Background(), "ghost", 1); err == nil {
		t.Fatalf("Check for unallocated member should fail")
	}
}

func TestQuotaPool_ReleaseReturnsCapacity(t *testing.T) {
	p := newTestPool(t, 10)
	ctx := context.Background()

	if err := p.Allocate("tenant-a", 10); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := p.Allocate("tenant-b", 1); !errors.Is(err, types.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded while pool is full", err)
	}

	if err := p.Release(ctx, "tenant-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Allocate("tenant-b", 10); err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}

	stats := p.Stats()
	if stats.Allocated != 10 {
		t.Fatalf("Allocated = %d, want 10", stats.Allocated)
	}
	if _, ok := stats.Members["tenant-a"]; ok {
		t.Fatalf("Released member still listed in stats")
	}
}

func TestQuotaPool_ReleaseUnknownMemberIsNoop(t *testing.T) {
	p := newTestPool(t, 10)
	if err := p.Release(context.Background(), "ghost"); err != nil {
		t.Fatalf("Release of unknown member failed: %v", err)
	}
}
