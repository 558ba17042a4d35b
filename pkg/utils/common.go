// Package utils holds small cross-cutting helpers reused by the
// ingestion, hashing, and store packages.
package utils

import (
	"sync"
	"time"
)

// bufferPool recycles byte buffers used when canonicalizing events for
// hashing, avoiding a fresh allocation on every ingest call.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, 4096)
	},
}

// GetBuffer retrieves a buffer from the pool.
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	b = b[:0]
	bufferPool.Put(b)
}

// NowUTC returns current time in UTC, truncated to milliseconds so that
// serializing and re-parsing an event timestamp never perturbs its
// canonical hash.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
