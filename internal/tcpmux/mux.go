// Package tcpmux implements the TCP multiplexer of spec.md §4.2: one
// reader goroutine and one writer goroutine, each driving its own
// epoll.Loop, relaying bytes between many established TCP sockets and
// the SOCKS originator via the domain.TCPMultiplexerListener contract.
//
// Two separate readiness loops exist for exactly the reason spec.md
// gives: the readiness primitive cannot simultaneously wait on socket
// readiness and an in-process wakeup, so the read side (always waiting
// on every registered socket) and the write side (only waiting on
// sockets with pending output, woken by Send) are split.
package tcpmux

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pipesocks/internal/domain"
	"pipesocks/pkg/bufpool"
)

const (
	readBufBaseline  = 64 * 1024
	readBufMax       = 1024 * 1024
	readPollTimeout  = 1000 // ms
	writePollTimeout = 100  // ms
	disconnectGrace  = 50 * time.Millisecond
)

// Mux owns a dynamic set of connected TCP sockets.
type Mux struct {
	log      *slog.Logger
	listener domain.TCPMultiplexerListener

	readLoop  domain.EventLoop
	writeLoop domain.EventLoop

	mu          sync.Mutex
	registered  map[int]struct{}
	queues      map[int]*queue
	writeArmed  map[int]struct{}
	readBufSize map[int]int

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type queue struct {
	bufs [][]byte
}

func (q *queue) push(b []byte) { q.bufs = append(q.bufs, b) }
func (q *queue) empty() bool   { return len(q.bufs) == 0 }
func (q *queue) front() []byte { return q.bufs[0] }
func (q *queue) popFront()     { q.bufs = q.bufs[1:] }

// New builds a Mux and starts its reader/writer goroutines. readLoop
// and writeLoop must be independent epoll.Loop-style instances.
func New(log *slog.Logger, listener domain.TCPMultiplexerListener, readLoop, writeLoop domain.EventLoop) *Mux {
	m := &Mux{
		log:         log,
		listener:    listener,
		readLoop:    readLoop,
		writeLoop:   writeLoop,
		registered:  make(map[int]struct{}),
		queues:      make(map[int]*queue),
		writeArmed:  make(map[int]struct{}),
		readBufSize: make(map[int]int),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}

	m.wg.Add(2)
	go m.readLoopRun()
	go m.writeLoopRun()

	return m
}

// Register adds fd to the read set. fd must be a connected stream
// socket (a TCP socket in production): a descriptor that is not a
// socket, or a socket of another type, is rejected with an error before
// it is added (the SOCKS originator only ever calls this with sockets
// it itself dialed).
func (m *Mux) Register(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return err
	}
	if typ != unix.SOCK_STREAM {
		return unix.EPROTOTYPE
	}
	if err := m.readLoop.Register(fd, domain.EventRead); err != nil {
		return err
	}
	m.registered[fd] = struct{}{}
	m.queues[fd] = &queue{}
	m.readBufSize[fd] = readBufBaseline
	return nil
}

// Send enqueues b for fd, which must still be registered. Returns false
// if fd is unknown.
func (m *Mux) Send(fd int, b []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registered[fd]; !ok {
		return false
	}

	m.queues[fd].push(b)
	m.armWrite(fd)
	m.signalWriter()
	return true
}

func (m *Mux) armWrite(fd int) {
	if _, armed := m.writeArmed[fd]; armed {
		return
	}
	if err := m.writeLoop.Register(fd, domain.EventWrite); err != nil {
		m.log.Debug("tcpmux: failed to arm write", "fd", fd, "err", err)
		return
	}
	m.writeArmed[fd] = struct{}{}
}

func (m *Mux) disarmWrite(fd int) {
	if _, armed := m.writeArmed[fd]; !armed {
		return
	}
	_ = m.writeLoop.Unregister(fd)
	delete(m.writeArmed, fd)
}

func (m *Mux) signalWriter() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// DisconnectAndUnregister tears fd down synchronously: half-close both
// directions, a short grace delay, then close. Exposed for out-of-band
// teardown by the SOCKS originator (spec.md's "Disconnect-and-
// unregister").
func (m *Mux) DisconnectAndUnregister(fd int) {
	m.unregister(fd)

	_ = unix.SetNonblock(fd, true)
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	time.Sleep(disconnectGrace)
	_ = unix.Close(fd)
}

func (m *Mux) unregister(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.registered[fd]; !ok {
		return
	}
	_ = m.readLoop.Unregister(fd)
	m.disarmWrite(fd)
	delete(m.registered, fd)
	delete(m.queues, fd)
	delete(m.readBufSize, fd)
}

// Stop halts both goroutines and waits for them to exit. Idempotent.
func (m *Mux) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.wg.Wait()
		_ = m.readLoop.Close()
		_ = m.writeLoop.Close()
	})
}

type readyFD struct {
	fd     int
	events domain.EventType
}

func (m *Mux) readLoopRun() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		var ready []readyFD
		err := m.readLoop.Wait(readPollTimeout, func(fd int, events domain.EventType) {
			ready = append(ready, readyFD{fd, events})
		})
		if err != nil {
			m.log.Warn("tcpmux: reader poll failed", "err", err)
			continue
		}

		m.processExcept(ready)
		m.processReadable(ready)
	}
}

func (m *Mux) processExcept(ready []readyFD) {
	for _, r := range ready {
		if r.events&domain.EventExcept == 0 {
			continue
		}
		m.mu.Lock()
		_, live := m.registered[r.fd]
		m.mu.Unlock()
		if !live {
			continue
		}
		m.closeAndNotify(r.fd)
	}
}

// processReadable drains one read per ready fd into a per-fd buffer
// that starts at readBufBaseline and doubles, up to readBufMax,
// whenever a read fills it completely — a full read signals more data
// was likely waiting, so the next cycle reads a bigger chunk instead
// of splitting the same burst across additional epoll wakes.
func (m *Mux) processReadable(ready []readyFD) {
	var readable []int
	for _, r := range ready {
		if r.events&domain.EventRead != 0 {
			readable = append(readable, r.fd)
		}
	}
	if len(readable) == 0 {
		return
	}

	start := rand.IntN(len(readable))

	for i := range readable {
		fd := readable[(start+i)%len(readable)]

		m.mu.Lock()
		_, live := m.registered[fd]
		m.mu.Unlock()
		if !live {
			continue
		}

		size := m.readSizeFor(fd)
		buf := bufpool.Get(size)

		n, err := unix.Read(fd, buf)
		switch {
		case n == 0 && err == nil:
			bufpool.Put(buf)
			m.closeAndNotify(fd)
		case err != nil:
			bufpool.Put(buf)
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			m.closeAndNotify(fd)
		default:
			if n == len(buf) {
				m.growReadSize(fd, size)
			}
			out := make([]byte, n)
			copy(out, buf[:n])
			bufpool.Put(buf)
			m.listener.OnRecv(fd, out)
		}
	}
}

func (m *Mux) readSizeFor(fd int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.readBufSize[fd]; ok {
		return n
	}
	return readBufBaseline
}

func (m *Mux) growReadSize(fd int, cur int) {
	next := cur * 2
	if next > readBufMax {
		next = readBufMax
	}
	m.mu.Lock()
	if _, ok := m.readBufSize[fd]; ok {
		m.readBufSize[fd] = next
	}
	m.mu.Unlock()
}

func (m *Mux) closeAndNotify(fd int) {
	m.unregister(fd)
	_ = unix.Close(fd)
	m.listener.OnDisconnected(fd)
}

func (m *Mux) writeLoopRun() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		case <-time.After(writePollTimeout * time.Millisecond):
		}

		select {
		case <-m.stop:
			return
		default:
		}

		var writable []int
		err := m.writeLoop.Wait(writePollTimeout, func(fd int, events domain.EventType) {
			if events&(domain.EventWrite|domain.EventExcept) != 0 {
				writable = append(writable, fd)
			}
		})
		if err != nil {
			m.log.Warn("tcpmux: writer poll failed", "err", err)
			continue
		}

		for _, fd := range writable {
			m.drainQueue(fd)
		}
	}
}

func (m *Mux) drainQueue(fd int) {
	for {
		m.mu.Lock()
		q, ok := m.queues[fd]
		if !ok || q.empty() {
			if ok {
				m.disarmWrite(fd)
			}
			m.mu.Unlock()
			return
		}
		buf := q.front()
		m.mu.Unlock()

		n, err := unix.Write(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			m.closeAndNotify(fd)
			return
		}

		m.mu.Lock()
		q, ok = m.queues[fd]
		if !ok {
			m.mu.Unlock()
			return
		}
		if n < len(buf) {
			q.bufs[0] = buf[n:]
			m.mu.Unlock()
			continue
		}
		q.popFront()
		empty := q.empty()
		m.mu.Unlock()

		if empty {
			m.mu.Lock()
			m.disarmWrite(fd)
			m.mu.Unlock()
			return
		}
	}
}
