package netif

import (
	"net/netip"
	"time"
)

// Neighbor is a resolved IPv4 to hardware address binding.
type Neighbor struct {
	Addr         netip.Addr
	HardwareAddr [6]byte
	ExpiresAt    time.Time
}

type neighborEntry struct {
	addr    [4]byte
	hw      [6]byte
	expires time.Time
	used    uint64
	valid   bool
}

// NeighborCache is a fixed-capacity address resolution table. When full the
// least recently used entry is evicted. Storage is allocated once.
type NeighborCache struct {
	entries []neighborEntry
	ttl     time.Duration
	tick    uint64
}

// NewNeighborCache returns a cache holding up to size entries, each valid for ttl
// after its last refresh.
func NewNeighborCache(size int, ttl time.Duration) *NeighborCache {
	return &NeighborCache{
		entries: make([]neighborEntry, size),
		ttl:     ttl,
	}
}

// Fill inserts or refreshes the binding for addr.
func (c *NeighborCache) Fill(addr [4]byte, hw [6]byte, now time.Time) {
	if len(c.entries) == 0 {
		return
	}
	c.tick++
	victim := -1
	for i := range c.entries {
		if c.entries[i].valid && c.entries[i].addr == addr {
			victim = i
			break
		}
	}
	if victim < 0 {
		victim = c.freeSlot()
	}
	c.entries[victim] = neighborEntry{
		addr:    addr,
		hw:      hw,
		expires: now.Add(c.ttl),
		used:    c.tick,
		valid:   true,
	}
}

// freeSlot returns the first unused slot or, when full, the least recently used one.
func (c *NeighborCache) freeSlot() int {
	lru := 0
	for i := range c.entries {
		if !c.entries[i].valid {
			return i
		}
		if c.entries[i].used < c.entries[lru].used {
			lru = i
		}
	}
	return lru
}

// Lookup returns the hardware address bound to addr if present and not expired.
func (c *NeighborCache) Lookup(addr [4]byte, now time.Time) (hw [6]byte, ok bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || e.addr != addr {
			continue
		}
		if now.After(e.expires) {
			e.valid = false
			return hw, false
		}
		c.tick++
		e.used = c.tick
		return e.hw, true
	}
	return hw, false
}

// Expire drops all entries whose lifetime ended before now.
func (c *NeighborCache) Expire(now time.Time) {
	for i := range c.entries {
		if c.entries[i].valid && now.After(c.entries[i].expires) {
			c.entries[i].valid = false
		}
	}
}

// Len returns the number of valid entries.
func (c *NeighborCache) Len() (n int) {
	for i := range c.entries {
		if c.entries[i].valid {
			n++
		}
	}
	return n
}

// Cap returns the fixed capacity of the cache.
func (c *NeighborCache) Cap() int { return len(c.entries) }

// AppendNeighbors appends valid entries to dst.
func (c *NeighborCache) AppendNeighbors(dst []Neighbor) []Neighbor {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid {
			dst = append(dst, Neighbor{
				Addr:         netip.AddrFrom4(e.addr),
				HardwareAddr: e.hw,
				ExpiresAt:    e.expires,
			})
		}
	}
	return dst
}
