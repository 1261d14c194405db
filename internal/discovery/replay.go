package discovery

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const replayCacheSize = 1024

// seqNewer reports whether sequence number a follows b in serial number
// arithmetic over 64 bits, so that a wrapped counter still compares newer.
func seqNewer(a, b uint64) bool {
	return a != b && a-b < 1<<63
}

type seen struct {
	seq uint64
	at  time.Time
}

// replayCache remembers the last sequence number accepted from each peer.
type replayCache struct {
	mu    sync.Mutex
	peers *lru.Cache[string, seen]
	// restartAfter is how long a peer must be silent before a lower
	// sequence number is taken as a restart instead of a replay.
	restartAfter time.Duration
}

func newReplayCache(size int, restartAfter time.Duration) *replayCache {
	peers, err := lru.New[string, seen](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &replayCache{peers: peers, restartAfter: restartAfter}
}

// accept records seq for key and reports whether it is fresh.
func (c *replayCache) accept(key string, seq uint64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.peers.Get(key)
	if ok && !seqNewer(seq, last.seq) && now.Sub(last.at) < c.restartAfter {
		return false
	}
	c.peers.Add(key, seen{seq: seq, at: now})
	return true
}
