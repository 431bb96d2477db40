// Package bufpool provides size-bucketed byte-slice reuse for the hot
// read/write paths of the pipe manager and TCP multiplexer, both of
// which churn 64KiB-class buffers per I/O completion. Bucketing by
// rounded-up power-of-two size (rather than one pool per exact size)
// keeps the number of live sync.Pool instances small under the mixed
// buffer sizes these components actually request.
package bufpool

import (
	"math/bits"
	"sync"
)

var pools sync.Map // int(size) -> *sync.Pool

func bucket(size int) int {
	if size <= 0 {
		return 0
	}
	l := bits.Len(uint(size)) - 1
	if size != 1<<l {
		l++
	}
	return 1 << l
}

func poolFor(size int) *sync.Pool {
	if p, ok := pools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(size, &sync.Pool{
		New: func() any { return make([]byte, size) },
	})
	return p.(*sync.Pool)
}

// Get returns a []byte of length size drawn from the matching bucket's
// pool, allocating a fresh one if the pool is empty.
func Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	b := bucket(size)
	buf := poolFor(b).Get().([]byte)
	return buf[:size]
}

// Put returns b to the pool of its capacity's bucket. Callers must not
// use b after calling Put.
func Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)]
	poolFor(bucket(len(b))).Put(b) //nolint:staticcheck // reuse mismatched-length backing array intentionally
}
