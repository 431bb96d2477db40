// Package worker implements the dispatch core of spec.md §4.5,
// component E: binds pipe instances into channels, channels into
// logical clients, decodes and routes frames to the SOCKS originator,
// and re-frames the originator's events back onto the right client's
// write channel.
//
// No single teacher file matches this dispatch core — billy-rubin-
// Socks-proxy is a single-hop proxy with no multiplexed control plane
// — so this package is built fresh in the teacher's idiom: hexagonal
// ports in internal/domain, sync.Mutex-guarded maps addressed by
// stable uint64 ids rather than shared pointers between components,
// and structured log/slog events at each teardown/routing decision.
package worker

import (
	"log/slog"
	"sync"

	"pipesocks/internal/domain"
	"pipesocks/internal/wire"
	"pipesocks/pkg/idgen"
)

// PipeSender is the subset of the pipe-instance manager the worker
// drives: framed writes and disconnects by instance token.
type PipeSender interface {
	Send(tok domain.InstanceToken, b []byte) bool
	Disconnect(tok domain.InstanceToken)
}

// SocksPusher is the subset of the SOCKS originator the worker drives.
type SocksPusher interface {
	NewSession() domain.SessionToken
	PushRequest(tok domain.SessionToken, b []byte)
	CloseSession(tok domain.SessionToken)
}

type channel struct {
	instance  domain.InstanceToken
	buf       []byte
	client    *client // nil until channel_setup succeeds
	setupSeen bool
}

type client struct {
	id             domain.ClientID
	readChan       *channel
	writeChan      *channel
	socksToSession map[domain.SocksID]domain.SessionToken
	sessionToSocks map[domain.SessionToken]domain.SocksID
}

// Worker owns the three routing tables and the single maintenance
// goroutine that parses buffered input off channels whose instance
// reported new bytes.
type Worker struct {
	log   *slog.Logger
	pipe  PipeSender
	socks SocksPusher

	mu       sync.Mutex
	channels map[domain.InstanceToken]*channel
	clients  map[domain.ClientID]*client
	sessions map[domain.SessionToken]*client

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New builds a Worker with no outbound collaborators attached yet.
// Callers must call SetPipe and SetSocks before any frame can arrive
// (i.e. before the pipe-instance manager or SOCKS originator, both of
// which take the worker as their inbound listener at construction
// time, start accepting traffic): the worker is built first, handed to
// them as a domain.PipeListener / domain.SocksOriginatorListener, and
// only then told how to drive them back.
func New(log *slog.Logger) *Worker {
	w := &Worker{
		log:      log,
		channels: make(map[domain.InstanceToken]*channel),
		clients:  make(map[domain.ClientID]*client),
		sessions: make(map[domain.SessionToken]*client),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.maintain()
	return w
}

// SetPipe attaches the pipe-instance manager the worker writes frames
// through and asks to disconnect instances.
func (w *Worker) SetPipe(p PipeSender) { w.pipe = p }

// SetSocks attaches the SOCKS originator the worker routes socks
// frames to.
func (w *Worker) SetSocks(s SocksPusher) { w.socks = s }

// Stop halts the maintenance goroutine. Idempotent.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
	})
}

// Stopped reports whether uninstall_self has requested shutdown, for
// callers (cmd/pipesocksd) that want to exit the process when the
// worker stops itself.
func (w *Worker) Stopped() <-chan struct{} {
	return w.stop
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// --- domain.PipeListener ---

// OnConnected is a no-op: a channel is only created lazily, on first
// bytes, because an instance with no bytes yet carries no client
// binding to track.
func (w *Worker) OnConnected(tok domain.InstanceToken) {}

// OnRecv appends bytes to tok's channel buffer (creating the channel
// if this is the first data seen for it) and wakes the maintenance
// goroutine.
func (w *Worker) OnRecv(tok domain.InstanceToken, b []byte) {
	w.mu.Lock()
	ch, ok := w.channels[tok]
	if !ok {
		ch = &channel{instance: tok}
		w.channels[tok] = ch
	}
	ch.buf = append(ch.buf, b...)
	w.mu.Unlock()

	w.signal()
}

// OnSent is a no-op at the worker layer; back-pressure accounting is
// entirely the pipe manager's concern.
func (w *Worker) OnSent(tok domain.InstanceToken, n int, remainingQueue int) {}

// OnClosed tears down tok's channel and, if it was bound to a client,
// the client as well.
func (w *Worker) OnClosed(tok domain.InstanceToken) {
	w.teardownChannel(tok, tok)
}

// --- domain.SocksOriginatorListener ---

// OnResponse ships bytes back to the peer as a socks frame on the
// owning client's write channel.
func (w *Worker) OnResponse(tok domain.SessionToken, b []byte) {
	w.mu.Lock()
	c, ok := w.sessions[tok]
	if !ok {
		w.mu.Unlock()
		return
	}
	socksID := c.sessionToSocks[tok]
	wch := c.writeChan
	w.mu.Unlock()

	if wch == nil {
		return
	}
	w.pipe.Send(wch.instance, wire.EncodeSocks(0, socksID, b))
}

// OnCloseClient ships a socks_close frame for tok's session.
func (w *Worker) OnCloseClient(tok domain.SessionToken) {
	w.mu.Lock()
	c, ok := w.sessions[tok]
	if !ok {
		w.mu.Unlock()
		return
	}
	socksID, has := c.sessionToSocks[tok]
	wch := c.writeChan
	delete(w.sessions, tok)
	if has {
		delete(c.sessionToSocks, tok)
		delete(c.socksToSession, socksID)
	}
	w.mu.Unlock()

	if wch == nil || !has {
		return
	}
	w.pipe.Send(wch.instance, wire.EncodeSocksClose(0, socksID))
}

// OnDisconnected ships a socks_disconnected frame for tok's session.
func (w *Worker) OnDisconnected(tok domain.SessionToken) {
	w.mu.Lock()
	c, ok := w.sessions[tok]
	if !ok {
		w.mu.Unlock()
		return
	}
	socksID, has := c.sessionToSocks[tok]
	wch := c.writeChan
	delete(w.sessions, tok)
	if has {
		delete(c.sessionToSocks, tok)
		delete(c.socksToSession, socksID)
	}
	w.mu.Unlock()

	if wch == nil || !has {
		return
	}
	w.pipe.Send(wch.instance, wire.EncodeSocksDisconnected(0, socksID))
}

// --- maintenance goroutine ---

func (w *Worker) maintain() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case <-w.wake:
			w.drainAll()
		}
	}
}

func (w *Worker) drainAll() {
	w.mu.Lock()
	toks := make([]domain.InstanceToken, 0, len(w.channels))
	for tok := range w.channels {
		toks = append(toks, tok)
	}
	w.mu.Unlock()

	for _, tok := range toks {
		w.drainChannel(tok)
	}
}

func (w *Worker) drainChannel(tok domain.InstanceToken) {
	for {
		w.mu.Lock()
		ch, ok := w.channels[tok]
		if !ok || len(ch.buf) == 0 {
			w.mu.Unlock()
			return
		}
		res, frame, _ := wire.DecodeNext(&ch.buf)
		w.mu.Unlock()

		switch res {
		case wire.ResultOK:
			if !w.handleFrame(tok, frame) {
				return // channel torn down
			}
		case wire.ResultIncomplete:
			return
		case wire.ResultGarbage, wire.ResultMalformed, wire.ResultTooBig, wire.ResultCRC:
			w.log.Warn("worker: frame decode error, tearing down channel", "instance", tok, "result", res)
			w.teardownChannel(tok, 0)
			return
		}
	}
}

// handleFrame processes one decoded frame for tok's channel. Returns
// false if the channel (and possibly its client) was torn down as a
// result, in which case the caller must stop draining it.
func (w *Worker) handleFrame(tok domain.InstanceToken, f *wire.Frame) bool {
	w.mu.Lock()
	ch, ok := w.channels[tok]
	w.mu.Unlock()
	if !ok {
		return false
	}

	if !ch.setupSeen {
		if f.Opcode != domain.OpChannelSetup {
			w.log.Warn("worker: first frame was not channel_setup", "instance", tok, "opcode", f.Opcode)
			w.teardownChannel(tok, 0)
			return false
		}
		ch.setupSeen = true
		return w.handleChannelSetup(tok, f)
	}

	switch f.Opcode {
	case domain.OpChannelSetup, domain.OpChannelSetupAck:
		w.log.Warn("worker: unexpected channel_setup after first frame", "instance", tok)
		w.teardownChannel(tok, 0)
		return false

	case domain.OpStatus:
		return true

	case domain.OpPing:
		return w.handlePing(ch, f)

	case domain.OpSocks:
		return w.handleSocks(ch, f)

	case domain.OpSocksClose, domain.OpSocksDisconnected:
		return w.handleSocksCloseOrDisconnected(ch, f)

	case domain.OpUninstallSelf:
		w.log.Info("worker: uninstall_self received, stopping")
		// Stop waits for this goroutine to exit, so it cannot run inline.
		go w.Stop()
		return false

	default:
		return w.handleUnknownOpcode(ch, f)
	}
}

func (w *Worker) handleChannelSetup(tok domain.InstanceToken, f *wire.Frame) bool {
	payload := wire.ParseChannelSetup(f.Payload)

	// Peer-declared direction is inverted for the server's own
	// bookkeeping: a peer that says "I will read from this instance"
	// is telling the server to write on it, and vice versa.
	var serverFlags domain.ChannelSetupFlags
	if payload.Flags&domain.ChanSetupRead != 0 {
		serverFlags |= domain.ChanSetupWrite
	}
	if payload.Flags&domain.ChanSetupWrite != 0 {
		serverFlags |= domain.ChanSetupRead
	}

	w.mu.Lock()
	ch, ok := w.channels[tok]
	if !ok {
		w.mu.Unlock()
		return false
	}

	var c *client
	if payload.ClientID == 0 {
		id := w.allocateClientIDLocked()
		c = &client{
			id:             id,
			socksToSession: make(map[domain.SocksID]domain.SessionToken),
			sessionToSocks: make(map[domain.SessionToken]domain.SocksID),
		}
		w.clients[id] = c
	} else {
		existing, found := w.clients[payload.ClientID]
		if !found {
			w.mu.Unlock()
			w.log.Warn("worker: channel_setup referenced unknown client", "client_id", payload.ClientID)
			w.teardownChannel(tok, 0)
			return false
		}
		c = existing
	}

	if serverFlags&domain.ChanSetupRead != 0 && c.readChan != nil {
		w.mu.Unlock()
		w.log.Warn("worker: duplicate read channel for client", "client_id", c.id)
		w.teardownChannel(tok, 0)
		return false
	}
	if serverFlags&domain.ChanSetupWrite != 0 && c.writeChan != nil {
		w.mu.Unlock()
		w.log.Warn("worker: duplicate write channel for client", "client_id", c.id)
		w.teardownChannel(tok, 0)
		return false
	}

	if serverFlags&domain.ChanSetupRead != 0 {
		c.readChan = ch
	}
	if serverFlags&domain.ChanSetupWrite != 0 {
		c.writeChan = ch
	}
	ch.client = c
	clientID := c.id
	w.mu.Unlock()

	w.pipe.Send(tok, wire.EncodeChannelSetupAck(f.UID, clientID))
	return true
}

// allocateClientIDLocked must be called with w.mu held.
func (w *Worker) allocateClientIDLocked() domain.ClientID {
	for {
		id := domain.ClientID(idgen.Default.Uint64())
		if _, taken := w.clients[id]; !taken {
			return id
		}
	}
}

func (w *Worker) handlePing(ch *channel, f *wire.Frame) bool {
	w.mu.Lock()
	c := ch.client
	w.mu.Unlock()

	if c == nil || c.writeChan == nil {
		w.teardownChannel(ch.instance, 0)
		return false
	}
	w.pipe.Send(c.writeChan.instance, wire.EncodeStatus(f.UID, domain.StatusOK))
	return true
}

func (w *Worker) handleSocks(ch *channel, f *wire.Frame) bool {
	sp := wire.ParseSocks(f.Payload)

	w.mu.Lock()
	c := ch.client
	if c == nil {
		w.mu.Unlock()
		w.teardownChannel(ch.instance, 0)
		return false
	}
	tok, bound := c.socksToSession[sp.SocksID]
	w.mu.Unlock()

	if !bound {
		tok = w.socks.NewSession()
		w.mu.Lock()
		c.socksToSession[sp.SocksID] = tok
		c.sessionToSocks[tok] = sp.SocksID
		w.sessions[tok] = c
		w.mu.Unlock()
	}

	w.socks.PushRequest(tok, sp.Inner)
	return true
}

func (w *Worker) handleSocksCloseOrDisconnected(ch *channel, f *wire.Frame) bool {
	sp := wire.ParseSocksHeader(f.Payload)

	w.mu.Lock()
	c := ch.client
	if c == nil {
		w.mu.Unlock()
		w.teardownChannel(ch.instance, 0)
		return false
	}
	tok, bound := c.socksToSession[sp.SocksID]
	if bound {
		delete(c.socksToSession, sp.SocksID)
		delete(c.sessionToSocks, tok)
		delete(w.sessions, tok)
	}
	wch := c.writeChan
	w.mu.Unlock()

	if wch != nil {
		w.pipe.Send(wch.instance, wire.EncodeStatus(f.UID, domain.StatusOK))
	}
	if bound {
		w.socks.CloseSession(tok)
	}
	return true
}

func (w *Worker) handleUnknownOpcode(ch *channel, f *wire.Frame) bool {
	w.mu.Lock()
	c := ch.client
	w.mu.Unlock()

	if c != nil && c.writeChan != nil {
		w.pipe.Send(c.writeChan.instance, wire.EncodeStatus(f.UID, domain.StatusUnsupported))
		return true
	}
	w.teardownChannel(ch.instance, 0)
	return false
}

// teardownChannel removes tok's channel and, if it was bound to a
// client, tears the whole client down: both its read and write
// channels (a split duplex client may have them on two different
// instances) and every SOCKS session it owns, regardless of which
// single channel triggered the teardown. except, when non-zero, is an
// instance token to skip when asking the pipe manager to disconnect
// instances, avoiding closing the instance that triggered the
// teardown before its own callback has returned.
func (w *Worker) teardownChannel(tok domain.InstanceToken, except domain.InstanceToken) {
	w.mu.Lock()
	ch, ok := w.channels[tok]
	delete(w.channels, tok)
	if !ok {
		w.mu.Unlock()
		return
	}

	c := ch.client
	if c == nil {
		w.mu.Unlock()
		if tok != except {
			w.pipe.Disconnect(tok)
		}
		return
	}

	instances := []domain.InstanceToken{tok}
	if c.readChan != nil && c.readChan != ch {
		instances = append(instances, c.readChan.instance)
		delete(w.channels, c.readChan.instance)
	}
	if c.writeChan != nil && c.writeChan != ch {
		instances = append(instances, c.writeChan.instance)
		delete(w.channels, c.writeChan.instance)
	}

	delete(w.clients, c.id)
	var sessionToks []domain.SessionToken
	for t := range c.sessionToSocks {
		sessionToks = append(sessionToks, t)
		delete(w.sessions, t)
	}
	w.mu.Unlock()

	for _, it := range instances {
		if it != except {
			w.pipe.Disconnect(it)
		}
	}
	for _, st := range sessionToks {
		w.socks.CloseSession(st)
	}
}
