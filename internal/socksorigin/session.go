// Package socksorigin implements the SOCKS5 originator of spec.md
// §4.3, component C: a per-session state machine that speaks SOCKS5 to
// a peer (via bytes handed to it through PushRequest, never touching a
// real client socket itself), resolves and connects to the requested
// target, and streams bytes through a TCP multiplexer once connected.
//
// Grounded on billy-rubin-Socks-proxy's internal/application.
// ProxyService state machine (StateAuth/StateRequest/StateConnecting/
// StateStreaming), generalized from a single fixed TCP client socket to
// many sessions addressed by a server-minted domain.SessionToken, with
// the teacher's {5,0}-only reply widened to the full SOCKS5 method
// negotiation table.
package socksorigin

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pipesocks/internal/domain"
	"pipesocks/internal/infrastructure/epoll"
	"pipesocks/internal/infrastructure/network"
	"pipesocks/internal/infrastructure/resolve"
	"pipesocks/internal/tcpmux"
	"pipesocks/pkg/idgen"
)

const (
	connectIOTimeout = 4 * time.Second
	connectWait      = 6 * time.Second
	methodNoAuth     = 0x00
	methodUserPass   = 0x02
	methodNoneValid  = 0xFF
	socks5Version    = 0x05
	authVersion      = 0x01
	cmdConnect       = 0x01
	atypIPv4         = 0x01
	atypDomain       = 0x03
	atypIPv6         = 0x04
)

// session is the originator's per-SOCKS5-connection state.
type session struct {
	token      domain.SessionToken
	state      domain.SocksState
	targetFD   int
	lastActive time.Time
}

// Originator runs the SOCKS5 state machine for every live session and
// streams connected sessions' bytes through a tcpmux.Mux.
type Originator struct {
	log      *slog.Logger
	listener domain.SocksOriginatorListener
	resolver *resolve.Resolver
	mux      *tcpmux.Mux

	mu       sync.Mutex
	sessions map[domain.SessionToken]*session
	fdToSess map[int]domain.SessionToken

	reqCh chan request
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

type request struct {
	token domain.SessionToken
	bytes []byte
}

// New builds an Originator with no multiplexer attached yet. Callers
// must call SetMux before any session reaches the connected state;
// this two-step construction breaks the cycle between the originator
// (which needs a Mux to stream connected sessions) and the Mux (which
// needs a domain.TCPMultiplexerListener — the originator itself).
func New(log *slog.Logger, listener domain.SocksOriginatorListener) *Originator {
	o := &Originator{
		log:      log,
		listener: listener,
		resolver: resolve.New(),
		sessions: make(map[domain.SessionToken]*session),
		fdToSess: make(map[int]domain.SessionToken),
		reqCh:    make(chan request, 256),
		stop:     make(chan struct{}),
	}
	o.wg.Add(1)
	go o.maintain()
	return o
}

// SetMux attaches the TCP multiplexer target sockets stream through.
func (o *Originator) SetMux(mux *tcpmux.Mux) {
	o.mux = mux
}

// NewSession mints a fresh session token in state "new".
func (o *Originator) NewSession() domain.SessionToken {
	tok := domain.SessionToken(idgen.Default.Uint64())

	o.mu.Lock()
	o.sessions[tok] = &session{token: tok, state: domain.SocksStateNew, lastActive: time.Now()}
	o.mu.Unlock()

	return tok
}

// PushRequest enqueues inbound SOCKS bytes for tok. Requests for
// unknown sessions are dropped, matching spec.md's "Requests for
// unknown sessions are dropped."
func (o *Originator) PushRequest(tok domain.SessionToken, b []byte) {
	select {
	case o.reqCh <- request{token: tok, bytes: b}:
	case <-o.stop:
	}
}

// CloseSession disconnects tok's target socket (if any) and drops its
// state, used when the worker relays socks_close/socks_disconnected.
func (o *Originator) CloseSession(tok domain.SessionToken) {
	o.mu.Lock()
	sess, ok := o.sessions[tok]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, tok)
	if sess.targetFD > 0 {
		delete(o.fdToSess, sess.targetFD)
	}
	o.mu.Unlock()

	if sess.targetFD > 0 {
		o.mux.DisconnectAndUnregister(sess.targetFD)
	}
}

// Stop halts the maintenance goroutine and releases every session's
// target socket.
func (o *Originator) Stop() {
	o.once.Do(func() {
		close(o.stop)
		o.wg.Wait()

		o.mu.Lock()
		fds := make([]int, 0, len(o.fdToSess))
		for fd := range o.fdToSess {
			fds = append(fds, fd)
		}
		o.sessions = make(map[domain.SessionToken]*session)
		o.fdToSess = make(map[int]domain.SessionToken)
		o.mu.Unlock()

		for _, fd := range fds {
			o.mux.DisconnectAndUnregister(fd)
		}
	})
}

func (o *Originator) maintain() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stop:
			return
		case req := <-o.reqCh:
			o.handleRequest(req)
		}
	}
}

func (o *Originator) handleRequest(req request) {
	o.mu.Lock()
	sess, ok := o.sessions[req.token]
	o.mu.Unlock()
	if !ok {
		o.log.Debug("socksorigin: request for unknown session dropped", "token", req.token)
		return
	}

	o.mu.Lock()
	sess.lastActive = time.Now()
	state := sess.state
	targetFD := sess.targetFD
	o.mu.Unlock()

	switch state {
	case domain.SocksStateNew:
		o.handleGreeting(sess, req.bytes)
	case domain.SocksStateNeedsAuth:
		o.handleAuth(sess, req.bytes)
	case domain.SocksStateNeedsCmd:
		o.handleCommand(sess, req.bytes)
	case domain.SocksStateConnected:
		if targetFD > 0 {
			o.mux.Send(targetFD, req.bytes)
		}
	}
}

func (o *Originator) handleGreeting(sess *session, b []byte) {
	if len(b) < 2 || b[0] != socks5Version {
		o.rejectGreeting(sess)
		return
	}
	n := int(b[1])
	if len(b) < 2+n {
		o.rejectGreeting(sess)
		return
	}
	methods := b[2 : 2+n]

	hasNoAuth, hasUserPass := false, false
	for _, m := range methods {
		switch m {
		case methodNoAuth:
			hasNoAuth = true
		case methodUserPass:
			hasUserPass = true
		}
	}

	switch {
	case hasNoAuth:
		o.emit(sess, []byte{socks5Version, methodNoAuth})
		o.setState(sess, domain.SocksStateNeedsCmd)
	case hasUserPass:
		o.emit(sess, []byte{socks5Version, methodUserPass})
		o.setState(sess, domain.SocksStateNeedsAuth)
	default:
		o.rejectGreeting(sess)
	}
}

func (o *Originator) setState(sess *session, state domain.SocksState) {
	o.mu.Lock()
	sess.state = state
	o.mu.Unlock()
}

func (o *Originator) rejectGreeting(sess *session) {
	o.emit(sess, []byte{socks5Version, methodNoneValid})
	o.closeAndReport(sess)
}

func (o *Originator) handleAuth(sess *session, b []byte) {
	// Credentials are accepted but never validated, per spec.md §4.3.
	if len(b) < 3 || b[0] != authVersion {
		o.emit(sess, []byte{authVersion, 0x01})
		o.closeAndReport(sess)
		return
	}
	ulen := int(b[1])
	if len(b) < 2+ulen+1 {
		o.emit(sess, []byte{authVersion, 0x01})
		o.closeAndReport(sess)
		return
	}
	plen := int(b[2+ulen])
	if len(b) < 2+ulen+1+plen {
		o.emit(sess, []byte{authVersion, 0x01})
		o.closeAndReport(sess)
		return
	}

	o.emit(sess, []byte{authVersion, 0x00})
	o.setState(sess, domain.SocksStateNeedsCmd)
}

func (o *Originator) handleCommand(sess *session, b []byte) {
	reply, host, port, ok := parseConnectRequest(b)
	if !ok {
		o.sendReplyAndClose(sess, reply)
		return
	}

	go o.connectAndReply(sess, host, port)
}

// parseConnectRequest validates the SOCKS5 request header. The
// original implementation's address-length check used `>=` where it
// meant `<` (see DESIGN.md); this follows the corrected `<` semantics.
func parseConnectRequest(b []byte) (reply domain.SocksReply, host string, port int, ok bool) {
	if len(b) < 4 || b[0] != socks5Version {
		return domain.SocksReplyGeneralFailure, "", 0, false
	}
	if b[1] != cmdConnect {
		return domain.SocksReplyCommandNotSupported, "", 0, false
	}

	atyp := b[3]
	rest := b[4:]

	switch atyp {
	case atypIPv4:
		if len(rest) < 4+2 {
			return domain.SocksReplyGeneralFailure, "", 0, false
		}
		ip := net.IP(rest[0:4])
		port = int(rest[4])<<8 | int(rest[5])
		return 0, ip.String(), port, true

	case atypIPv6:
		if len(rest) < 16+2 {
			return domain.SocksReplyGeneralFailure, "", 0, false
		}
		ip := net.IP(rest[0:16])
		port = int(rest[16])<<8 | int(rest[17])
		return 0, ip.String(), port, true

	case atypDomain:
		if len(rest) < 1 {
			return domain.SocksReplyGeneralFailure, "", 0, false
		}
		dlen := int(rest[0])
		if len(rest) < 1+dlen+2 {
			return domain.SocksReplyGeneralFailure, "", 0, false
		}
		host = string(rest[1 : 1+dlen])
		port = int(rest[1+dlen])<<8 | int(rest[2+dlen])
		return 0, host, port, true

	default:
		return domain.SocksReplyAddrTypeNotSupported, "", 0, false
	}
}

func (o *Originator) connectAndReply(sess *session, host string, port int) {
	ips, err := o.resolver.Resolve(host)
	if err != nil || len(ips) == 0 {
		o.sendReplyAndClose(sess, domain.SocksReplyHostUnreachable)
		return
	}

	fd, reply := o.dialAny(ips, port)
	if fd < 0 {
		o.sendReplyAndClose(sess, reply)
		return
	}

	o.mu.Lock()
	sess.targetFD = fd
	sess.state = domain.SocksStateConnected
	o.fdToSess[fd] = sess.token
	o.mu.Unlock()

	if err := o.mux.Register(fd); err != nil {
		o.log.Warn("socksorigin: failed to register target socket", "err", err)
		o.sendReplyAndClose(sess, domain.SocksReplyGeneralFailure)
		return
	}

	o.sendReply(sess, domain.SocksReplySuccess)
}

func (o *Originator) dialAny(ips []net.IP, port int) (int, domain.SocksReply) {
	lastReply := domain.SocksReplyGeneralFailure

	for _, ip := range ips {
		fd, reply := o.dialOne(&net.TCPAddr{IP: ip, Port: port})
		if fd >= 0 {
			return fd, 0
		}
		lastReply = reply
	}
	return -1, lastReply
}

func (o *Originator) dialOne(addr *net.TCPAddr) (int, domain.SocksReply) {
	fd, inProgress, err := network.DialTCPNonblocking(addr, connectIOTimeout)
	if err != nil {
		return -1, mapConnectError(err)
	}
	if !inProgress {
		return fd, 0
	}

	loop, err := epoll.New()
	if err != nil {
		unix.Close(fd)
		return -1, domain.SocksReplyGeneralFailure
	}
	defer loop.Close()

	if err := loop.Register(fd, domain.EventWrite); err != nil {
		unix.Close(fd)
		return -1, domain.SocksReplyGeneralFailure
	}

	deadline := time.Now().Add(connectWait)
	for {
		remaining := deadline.Sub(time.Now())
		if remaining <= 0 {
			unix.Close(fd)
			return -1, domain.SocksReplyTTLExpired
		}

		ready := false
		excepted := false
		err := loop.Wait(int(remaining.Milliseconds()), func(waitFD int, events domain.EventType) {
			if waitFD != fd {
				return
			}
			if events&domain.EventExcept != 0 {
				excepted = true
			}
			if events&domain.EventWrite != 0 {
				ready = true
			}
		})
		if err != nil {
			unix.Close(fd)
			return -1, domain.SocksReplyGeneralFailure
		}
		if !ready && !excepted {
			continue
		}

		if err := network.SocketError(fd); err != nil {
			unix.Close(fd)
			return -1, mapConnectError(err)
		}

		return fd, 0
	}
}

func mapConnectError(err error) domain.SocksReply {
	switch err {
	case unix.ENETUNREACH:
		return domain.SocksReplyNetworkUnreachable
	case unix.EHOSTUNREACH:
		return domain.SocksReplyHostUnreachable
	case unix.ECONNREFUSED:
		return domain.SocksReplyConnectionRefused
	case unix.ETIMEDOUT:
		return domain.SocksReplyTTLExpired
	default:
		return domain.SocksReplyGeneralFailure
	}
}

// sendReply emits a SOCKS5 reply with the zeroed-IPv4-address quirk
// spec.md §4.3 requires regardless of rep or the true bound address.
func (o *Originator) sendReply(sess *session, rep domain.SocksReply) {
	o.emit(sess, []byte{socks5Version, byte(rep), 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
}

func (o *Originator) sendReplyAndClose(sess *session, rep domain.SocksReply) {
	o.sendReply(sess, rep)
	o.closeAndReport(sess)
}

func (o *Originator) emit(sess *session, b []byte) {
	o.listener.OnResponse(sess.token, b)
}

func (o *Originator) closeAndReport(sess *session) {
	o.mu.Lock()
	delete(o.sessions, sess.token)
	if sess.targetFD > 0 {
		delete(o.fdToSess, sess.targetFD)
	}
	o.mu.Unlock()

	if sess.targetFD > 0 {
		o.mux.DisconnectAndUnregister(sess.targetFD)
	}
	o.listener.OnCloseClient(sess.token)
}

// OnRecv relays bytes read from a connected session's target socket
// back to the listener. Originator satisfies domain.
// TCPMultiplexerListener so it can be passed directly to tcpmux.New.
func (o *Originator) OnRecv(fd int, b []byte) {
	o.mu.Lock()
	tok, ok := o.fdToSess[fd]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.listener.OnResponse(tok, b)
}

// OnDisconnected reports a target socket's disconnection and drops the
// session.
func (o *Originator) OnDisconnected(fd int) {
	o.mu.Lock()
	tok, ok := o.fdToSess[fd]
	if ok {
		delete(o.fdToSess, fd)
		delete(o.sessions, tok)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.listener.OnDisconnected(tok)
}
