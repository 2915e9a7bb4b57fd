package model

import (
	"sync"
	"time"
)

// Clock issues strictly increasing provisional timestamps and submission
// sequence numbers for one device, so submission order survives wall-clock
// ties and regressions.
type Clock struct {
	mu   sync.Mutex
	last int64
	seq  uint64
}

// Next returns the next provisional timestamp (unix ms) and sequence number.
func (c *Clock) Next() (ts int64, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	c.seq++
	return now, c.seq
}
