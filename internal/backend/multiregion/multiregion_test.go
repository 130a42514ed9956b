package multiregion_test

import (
	"context"
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/backend/conformance"
	"github.com/ratelink/ratelink-go/internal/backend/memory"
	"github.com/ratelink/ratelink-go/internal/backend/multiregion"
)

func newThreeRegions(opts ...multiregion.Option) (*multiregion.Backend, map[string]*memory.Backend) {
	stores := map[string]*memory.Backend{
		"us-east": memory.New(),
		"eu-west": memory.New(),
		"ap-east": memory.New(),
	}
	mr, err := multiregion.New([]multiregion.Region{
		{Name: "us-east", Backend: stores["us-east"]},
		{Name: "eu-west", Backend: stores["eu-west"]},
		{Name: "ap-east", Backend: stores["ap-east"]},
	}, opts...)
	if err != nil {
		panic(err)
	}
	return mr, stores
}

func TestMultiRegion_Conformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) backend.Backend {
		mr, _ := newThreeRegions()
		return mr
	})
}

func TestMultiRegion_HomeRoutingIsDeterministic(t *testing.T) {
	mr1, _ := newThreeRegions()
	mr2, _ := newThreeRegions()

	// The same region list must route the same keys identically in separate
	// processes; separate instances stand in for those here.
	for _, key := range []string{"alice", "bob", "carol", "dave", "erin"} {
		if h1, h2 := mr1.Home(key), mr2.Home(key); h1 != h2 {
			t.Fatalf("Key %q routed to %q and %q by identical configurations", key, h1, h2)
		}
	}
}

func TestMultiRegion_WritesLandInHomeRegionOnly(t *testing.T) {
	mr, stores := newThreeRegions()
	ctx := context.Background()

	const key = "tenant-42"
	if err := mr.Commit(ctx, key, []byte("state"), nil, time.Minute); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	home := mr.Home(key)
	for name, store := range stores {
		state, _, err := store.Load(ctx, key)
		if err != nil {
			t.Fatalf("Load from region %s failed: %v", name, err)
		}
		if name == home && state == nil {
			t.Fatalf("Home region %s is missing the committed state", name)
		}
		if name != home && state != nil {
			t.Fatalf("Peer region %s has state without replication enabled", name)
		}
	}
}

func TestMultiRegion_ReplicationReachesPeers(t *testing.T) {
	mr, stores := newThreeRegions(multiregion.WithReplication())
	ctx := context.Background()

	const key = "tenant-42"
	if err := mr.Commit(ctx, key, []byte("state"), nil, time.Minute); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// Replication is asynchronous and best effort; give it a moment.
	deadline := time.Now().Add(time.Second)
	for {
		replicated := 0
		for name, store := range stores {
			if name == mr.Home(key) {
				continue
			}
			if state, _, _ := store.Load(ctx, key); state != nil {
				replicated++
			}
		}
		if replicated == len(stores)-1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Replication reached %d of %d peers", replicated, len(stores)-1)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMultiRegion_DeleteFansOut(t *testing.T) {
	mr, stores := newThreeRegions()
	ctx := context.Background()

	// Seed every region directly, as replication would have.
	const key = "tenant-42"
	for _, store := range stores {
		if err := store.Store(ctx, key, []byte("state"), time.Minute); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	if err := mr.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for name, store := range stores {
		if state, _, _ := store.Load(ctx, key); state != nil {
			t.Fatalf("Region %s still has state after fan-out delete", name)
		}
	}
}
