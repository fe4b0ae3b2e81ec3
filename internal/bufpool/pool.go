// Package bufpool provides reusable growable buffers for the
// DetectionSink's hot-path JSON marshalling, to reduce GC churn under
// steady-state publish throughput.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out reset *bytes.Buffer values backed by a sync.Pool.
type Pool struct {
	pool sync.Pool
}

var defaultPool = New()

// Get acquires a buffer from the package-level default pool.
func Get() *bytes.Buffer { return defaultPool.Get() }

// Put releases a buffer back to the package-level default pool.
func Put(buf *bytes.Buffer) { defaultPool.Put(buf) }

// New creates a buffer pool.
func New() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Get returns an empty, ready-to-use buffer.
func (p *Pool) Get() *bytes.Buffer {
	if p == nil {
		return new(bytes.Buffer)
	}
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool.
func (p *Pool) Put(buf *bytes.Buffer) {
	if p == nil || buf == nil {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
