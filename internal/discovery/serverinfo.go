// Package discovery implements the Server Info Center (the mesh's live
// server registry) and the pluggable Discovery Controller that keeps it
// fresh.
//
// Grounded on the teacher's registry.Hub (internal/domain/registry/hub.go):
// a sync.Map-backed read-mostly registry with a background janitor loop
// (here, TTL eviction instead of idle-cell eviction) is the same shape
// applied to servers instead of per-user cells.
package discovery

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ServerState mirrors spec.md §3's ServerInfo.state.
type ServerState int

const (
	Running ServerState = iota
	Disabled
)

// ServiceType distinguishes the mesh's two kinds of federated server.
type ServiceType uint32

const (
	ServicePlay ServiceType = iota
	ServiceAPI
)

// ServerInfo is the canonical in-memory record for one live server.
type ServerInfo struct {
	ServiceType     ServiceType
	ServiceID       uint16
	ServerID        string
	Endpoint        string
	State           ServerState
	Weight          int32
	LastHeartbeatAt time.Time
}

// NID returns this server's "serviceId:serverId" node identifier.
func (s ServerInfo) NID() string { return nidOf(s.ServiceID, s.ServerID) }

func nidOf(serviceID uint16, serverID string) string {
	return itoa(serviceID) + ":" + serverID
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// key uniquely identifies a server: (serviceType, serverId) per spec.md's
// invariant, but we additionally key by serviceId since a server's
// serviceType+serverId pair could in principle repeat across isolated
// service ids in a future multi-tenant deployment; keying by the full
// triple costs nothing and is strictly safer.
type key struct {
	serviceType ServiceType
	serviceID   uint16
	serverID    string
}

// ChangeKind is the event emitted by Center when its cache is diffed
// against a fresh discovery snapshot.
type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	Removed
)

// Change is delivered to Center's subscribers.
type Change struct {
	Kind ChangeKind
	Info ServerInfo
}

// Center is the in-memory registry of live servers: round-robin and
// account-sharded selection, TTL-based eviction, and change events for the
// Communicator. ServerInfo.Weight is stored and reported but no selection
// method takes it into account.
type Center struct {
	ttl time.Duration

	mu      sync.RWMutex // serializes writes; reads take the read lock
	servers map[key]ServerInfo

	cursorMu sync.Mutex
	cursors  map[string]int // per-serviceType+serviceId round-robin cursor

	generation uint64 // bumped on every topology change, for cache invalidation
	shardCache *lru.Cache[shardKey, ServerInfo]

	subsMu sync.Mutex
	subs   []chan Change

	stopCh    chan struct{}
	stopOnce  sync.Once
	evictOnce sync.Once
}

func NewCenter(ttl time.Duration) *Center {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	shardCache, _ := lru.New[shardKey, ServerInfo](4096)
	return &Center{
		ttl:        ttl,
		servers:    make(map[key]ServerInfo),
		cursors:    make(map[string]int),
		shardCache: shardCache,
		stopCh:     make(chan struct{}),
	}
}

// Subscribe returns a channel of Change events. The channel is buffered;
// when it is full, publish drops the event for that subscriber, and a
// dropped event is not sent again.
func (c *Center) Subscribe() <-chan Change {
	ch := make(chan Change, 256)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

func (c *Center) publish(ch Change) {
	select {
	case <-c.stopCh:
		return
	default:
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, s := range c.subs {
		select {
		case s <- ch:
		default:
		}
	}
}

// Upsert applies a fresh discovery snapshot (the full active list returned
// by UpdateServerInfo), diffing against the cache and emitting
// Added/Updated events. It does NOT evict servers missing from the
// snapshot by itself — eviction is purely TTL-driven via EvictExpired, so a
// transient empty/partial snapshot from a flaky discovery backend cannot
// cause a mass eviction.
func (c *Center) Upsert(now time.Time, infos []ServerInfo) {
	c.mu.Lock()
	changed := false
	for _, info := range infos {
		info.LastHeartbeatAt = now
		k := key{info.ServiceType, info.ServiceID, info.ServerID}
		old, existed := c.servers[k]
		c.servers[k] = info
		changed = true
		if !existed {
			c.publish(Change{Kind: Added, Info: info})
		} else if old.Endpoint != info.Endpoint || old.State != info.State || old.Weight != info.Weight {
			c.publish(Change{Kind: Updated, Info: info})
		}
	}
	if changed {
		c.generation++
	}
	c.mu.Unlock()
}

// EvictExpired removes servers whose LastHeartbeatAt is older than the
// configured ttl, emitting Removed events. Intended to be driven by the
// Discovery Controller's own ticker.
func (c *Center) EvictExpired(now time.Time) {
	c.mu.Lock()
	var removed []ServerInfo
	for k, info := range c.servers {
		if now.Sub(info.LastHeartbeatAt) > c.ttl {
			delete(c.servers, k)
			removed = append(removed, info)
		}
	}
	if len(removed) > 0 {
		c.generation++
	}
	c.mu.Unlock()

	for _, info := range removed {
		c.publish(Change{Kind: Removed, Info: info})
	}
}

// Generation returns a counter bumped on every topology change, used by
// callers (e.g. the findByAccountId LRU) to invalidate cached shard
// resolutions cheaply.
func (c *Center) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// FindByEndpoint looks a server up by exact endpoint string. It scans every
// known server, so its cost grows with the size of the registry.
func (c *Center) FindByEndpoint(endpoint string) (ServerInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, info := range c.servers {
		if info.Endpoint == endpoint {
			return info, true
		}
	}
	return ServerInfo{}, false
}

// Snapshot returns every server currently known, in no particular order.
// Intended for consumers that republish or expose the whole registry (the
// Registrar gRPC service, mesh-top), not for hot-path lookups.
func (c *Center) Snapshot() []ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ServerInfo, 0, len(c.servers))
	for _, info := range c.servers {
		out = append(out, info)
	}
	return out
}

// runningSorted returns the Running servers for a service, sorted by
// ServerID for stable sharding. The copy is made under the read lock; the
// sort runs after the lock is released.
func (c *Center) runningSorted(serviceType ServiceType, serviceID uint16) []ServerInfo {
	c.mu.RLock()
	out := make([]ServerInfo, 0, len(c.servers))
	for _, info := range c.servers {
		if info.ServiceType == serviceType && info.ServiceID == serviceID && info.State == Running {
			out = append(out, info)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// FindRoundRobin advances a per-service cursor across Running servers only,
// skipping Disabled ones, per spec.md §4.4.
func (c *Center) FindRoundRobin(serviceType ServiceType, serviceID uint16) (ServerInfo, bool) {
	candidates := c.runningSorted(serviceType, serviceID)
	if len(candidates) == 0 {
		return ServerInfo{}, false
	}

	cursorKey := nidOf(serviceID, "") + ":" + serviceTypeLabel(serviceType)
	c.cursorMu.Lock()
	idx := c.cursors[cursorKey] % len(candidates)
	c.cursors[cursorKey] = (idx + 1) % len(candidates)
	c.cursorMu.Unlock()

	return candidates[idx], true
}

// shardKey memoizes a findByAccountId resolution for as long as the
// topology generation it was computed under is still current.
type shardKey struct {
	serviceType ServiceType
	serviceID   uint16
	accountID   string
	generation  uint64
}

// FindByAccountID implements the spec's stable mod-N sharding: the sorted
// list of Running servers for serviceType/serviceID is indexed by
// hash(accountID) mod N, where N is the count at call time. See
// SPEC_FULL.md §9.1 for why this is mod-N rather than consistent hashing.
// Resolutions are memoized in an LRU keyed by the current topology
// generation, so a hot account doesn't re-walk and re-sort the server list
// on every lookup; a topology change bumps the generation and transparently
// invalidates every prior entry without needing to scan and evict them.
func (c *Center) FindByAccountID(serviceType ServiceType, serviceID uint16, accountID string) (ServerInfo, bool) {
	sk := shardKey{serviceType, serviceID, accountID, c.Generation()}
	if info, ok := c.shardCache.Get(sk); ok {
		return info, true
	}

	candidates := c.runningSorted(serviceType, serviceID)
	if len(candidates) == 0 {
		return ServerInfo{}, false
	}
	idx := fnv32(accountID) % uint32(len(candidates))
	info := candidates[idx]
	c.shardCache.Add(sk, info)
	return info, true
}

func serviceTypeLabel(t ServiceType) string {
	if t == ServicePlay {
		return "play"
	}
	return "api"
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Close stops the Center from publishing further events; existing
// subscriber channels are left open (closing them could panic a reader
// mid-receive) but will simply stop receiving.
func (c *Center) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
