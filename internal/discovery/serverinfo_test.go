package discovery

import (
	"testing"
	"time"
)

func serversFor(n int, serviceID uint16) []ServerInfo {
	out := make([]ServerInfo, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ServerInfo{
			ServiceType: ServicePlay,
			ServiceID:   serviceID,
			ServerID:    string(rune('a' + i)),
			Endpoint:    "10.0.0.1:700" + string(rune('0'+i)),
			State:       Running,
			Weight:      1,
		})
	}
	return out
}

func TestUpsertEmitsAddedThenUpdated(t *testing.T) {
	c := NewCenter(time.Minute)
	ch := c.Subscribe()

	now := time.Now()
	c.Upsert(now, []ServerInfo{{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "e1", State: Running}})
	ev := <-ch
	if ev.Kind != Added {
		t.Fatalf("expected Added, got %v", ev.Kind)
	}

	c.Upsert(now, []ServerInfo{{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "e2", State: Running}})
	ev = <-ch
	if ev.Kind != Updated || ev.Info.Endpoint != "e2" {
		t.Fatalf("expected Updated to e2, got %+v", ev)
	}
}

func TestEvictExpiredRemovesStaleServers(t *testing.T) {
	c := NewCenter(10 * time.Millisecond)
	ch := c.Subscribe()

	c.Upsert(time.Now(), []ServerInfo{{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "e1", State: Running}})
	<-ch // Added

	c.EvictExpired(time.Now().Add(time.Second))
	ev := <-ch
	if ev.Kind != Removed {
		t.Fatalf("expected Removed, got %v", ev.Kind)
	}
	if _, ok := c.FindByEndpoint("e1"); ok {
		t.Fatalf("server should have been evicted")
	}
}

func TestFindRoundRobinSkipsDisabledAndCycles(t *testing.T) {
	c := NewCenter(time.Minute)
	now := time.Now()
	c.Upsert(now, []ServerInfo{
		{ServiceType: ServicePlay, ServiceID: 1, ServerID: "a", Endpoint: "e1", State: Running},
		{ServiceType: ServicePlay, ServiceID: 1, ServerID: "b", Endpoint: "e2", State: Disabled},
		{ServiceType: ServicePlay, ServiceID: 1, ServerID: "c", Endpoint: "e3", State: Running},
	})

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		info, ok := c.FindRoundRobin(ServicePlay, 1)
		if !ok {
			t.Fatalf("expected a candidate")
		}
		if info.State == Disabled {
			t.Fatalf("round robin returned a disabled server")
		}
		seen[info.ServerID]++
	}
	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 distinct running servers visited, got %v", seen)
	}
}

func TestFindByAccountIDStableForSameTopology(t *testing.T) {
	c := NewCenter(time.Minute)
	c.Upsert(time.Now(), serversFor(5, 1))

	first, ok := c.FindByAccountID(ServicePlay, 1, "account-42")
	if !ok {
		t.Fatalf("expected a candidate")
	}
	for i := 0; i < 10; i++ {
		again, ok := c.FindByAccountID(ServicePlay, 1, "account-42")
		if !ok || again.ServerID != first.ServerID {
			t.Fatalf("sharding not stable across calls: %+v vs %+v", again, first)
		}
	}
}

func TestFindByEndpointMiss(t *testing.T) {
	c := NewCenter(time.Minute)
	if _, ok := c.FindByEndpoint("nope"); ok {
		t.Fatalf("expected miss")
	}
}
