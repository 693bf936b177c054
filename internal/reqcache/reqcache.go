// Package reqcache correlates outbound requests to inbound replies by
// msgSeq, enforcing a per-request deadline.
//
// Grounded on the teacher's registry.Cell/Hub shape (internal/domain/
// registry/{hub,cell}.go in the corpus): a sharded concurrent map keyed by a
// small key, each entry privately owning its own completion channel, mirrors
// the teacher's per-user mailbox-by-sharded-map pattern applied here to
// per-request futures instead of per-user mailboxes.
package reqcache

import (
	"sync"
	"time"

	"github.com/playhouse/playhouse/internal/perr"
	"github.com/playhouse/playhouse/internal/wire"
)

const shardCount = 32

// Key identifies a pending request. PeerNID plus MsgSeq (rather than MsgSeq
// alone) is what lets the cache tolerate the 16-bit seq wrapping: the same
// seq value reused against a different peer, or reused against the same
// peer after a full wrap, never collides as long as the peer+seq pair is
// unique among *currently outstanding* requests.
type Key struct {
	PeerNID string
	MsgSeq  uint16
}

// Cache maps Key -> pending request across shards to avoid a single mutex
// becoming a hotspot under high request throughput.
type Cache struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	pending map[Key]*pendingRequest
}

type pendingRequest struct {
	resultCh chan Result
	timer    *time.Timer
	once     sync.Once
}

// Result is delivered exactly once to the caller of Register.
type Result struct {
	Packet wire.Packet
	Err    error
}

func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i].pending = make(map[Key]*pendingRequest)
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	return &c.shards[k.MsgSeq%shardCount]
}

// Register creates a pending request for k with the given timeout,
// returning a channel that receives exactly one Result: the reply (via
// Complete), a cancellation (via Cancel), or a RequestTimeout error when the
// deadline elapses first. Registering an already-registered key is a
// programmer error (the same peer+seq pair should never be reused while the
// original request is still outstanding) and returns perr.InvalidMessage.
func (c *Cache) Register(k Key, timeout time.Duration) (<-chan Result, error) {
	s := c.shardFor(k)
	s.mu.Lock()
	if _, exists := s.pending[k]; exists {
		s.mu.Unlock()
		return nil, perr.New(perr.InvalidMessage, "msgSeq already registered for this peer")
	}

	pr := &pendingRequest{resultCh: make(chan Result, 1)}
	s.pending[k] = pr
	s.mu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		c.resolve(k, Result{Err: perr.New(perr.RequestTimeout, "request timed out")})
	})

	return pr.resultCh, nil
}

// Complete resolves a pending request with a reply packet. A reply with no
// matching registration is a late/unknown reply and is dropped silently.
func (c *Cache) Complete(k Key, p wire.Packet) {
	c.resolve(k, Result{Packet: p})
}

// Cancel resolves a pending request with the given error (e.g.
// perr.ServerNotFound when the destination server left the mesh) without
// waiting for its timeout.
func (c *Cache) Cancel(k Key, err error) {
	c.resolve(k, Result{Err: err})
}

// CancelPeer resolves every request outstanding against peerNID with err.
// Used by internal/mesh when discovery removes that peer from the topology.
func (c *Cache) CancelPeer(peerNID string, err error) {
	c.cancelMatching(err, func(k Key) bool { return k.PeerNID == peerNID })
}

// CancelAll resolves every currently pending request with err. No code in
// this module calls it, so pending requests are not canceled at process
// shutdown.
func (c *Cache) CancelAll(err error) {
	c.cancelMatching(err, func(Key) bool { return true })
}

func (c *Cache) cancelMatching(err error, match func(Key) bool) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		keys := make([]Key, 0)
		for k := range s.pending {
			if match(k) {
				keys = append(keys, k)
			}
		}
		s.mu.Unlock()

		for _, k := range keys {
			c.resolve(k, Result{Err: err})
		}
	}
}

func (c *Cache) resolve(k Key, res Result) {
	s := c.shardFor(k)
	s.mu.Lock()
	pr, ok := s.pending[k]
	if ok {
		delete(s.pending, k)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	pr.once.Do(func() {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.resultCh <- res
		close(pr.resultCh)
	})
}

// Len reports the number of currently pending requests, for diagnostics.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		n += len(c.shards[i].pending)
		c.shards[i].mu.Unlock()
	}
	return n
}
