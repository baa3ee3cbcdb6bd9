package tcp

import (
	"errors"
	"fmt"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/dns"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
)

// Flags is the set of TCP control bits carried in a segment's 13th
// header byte.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// State is a Socket's position in the (reduced) RFC 793 state machine,
// plus three pseudo-states this stack's client sockets pass through
// before a TCP state machine even applies: RESOLVING (a DNS lookup for
// the peer's name is outstanding), UNKNOWN_HOST (it failed), and reusing
// CLOSED as the natural idle state before the first connect.
//
// AWAITING_ACK is tracked as its own bool field on Socket rather than
// folded into State — it is not a position in the handshake/teardown
// graph, it is a flag that can be true in several of those positions at
// once (ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2 can all have one outstanding
// unacknowledged data segment).
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateResolving
	StateUnknownHost
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	case StateResolving:
		return "RESOLVING"
	case StateUnknownHost:
		return "UNKNOWN_HOST"
	default:
		return "UNKNOWN"
	}
}

// Handler receives a Socket's upcalls. Go has no virtual methods, so
// where the original attaches these as overridable member functions on
// Socket itself, here they are a separate interface a caller supplies at
// construction — BaseHandler gives every method a no-op default so a
// caller only needs to implement the ones it cares about, by embedding
// BaseHandler and overriding the rest.
type Handler interface {
	// OnEstablished fires once the handshake completes, in either
	// direction.
	OnEstablished()
	// OnDataReceived delivers in-order payload bytes. Returning false
	// tells the Socket the data was not consumed (e.g. an application
	// buffer is full); the Socket will not advance past it, and the
	// peer will retransmit. This mirrors the original's "return false
	// to pause delivery" backpressure mechanism.
	OnDataReceived(payload buffer.Buffer, length int) bool
	// OnReadyToSend fires once a previously outstanding unacknowledged
	// segment has been acknowledged, or immediately after the handshake
	// completes.
	OnReadyToSend()
	// OnRemoteClosed fires when the peer sends FIN.
	OnRemoteClosed()
	// OnLocalClosed fires when Close is called locally.
	OnLocalClosed()
	// OnClosed fires once the connection has fully torn down and its
	// table slot has been released.
	OnClosed()
	// OnReset fires when the peer resets the connection.
	OnReset(byRemote bool)
}

// BaseHandler implements Handler with no-op methods, for embedding by
// callers that only want to override a subset.
type BaseHandler struct{}

func (BaseHandler) OnEstablished()                                {}
func (BaseHandler) OnDataReceived(buffer.Buffer, int) bool        { return true }
func (BaseHandler) OnReadyToSend()                                {}
func (BaseHandler) OnRemoteClosed()                               {}
func (BaseHandler) OnLocalClosed()                                {}
func (BaseHandler) OnClosed()                                     {}
func (BaseHandler) OnReset(bool)                                  {}

func requireHandler(h Handler) Handler {
	if h == nil {
		return BaseHandler{}
	}
	return h
}

// segmentIn is the parsed form of a received TCP segment, assembled by
// Layer.HandlePacket and handed to the matching Socket.
type segmentIn struct {
	sourceIP   host.IPv4
	sourcePort host.Port
	destPort   host.Port
	flags      Flags
	seq        uint32
	ack        uint32
	window     uint16
	mss        uint16
	payload    buffer.Buffer
	payloadLen int
}

// Socket is one TCP connection: the state machine, sequence number
// bookkeeping, and the one outstanding unacknowledged segment this stack
// allows in flight at a time (no sliding window, no out-of-order
// reassembly).
type Socket struct {
	layer   *Layer
	handler Handler

	resolver            *dns.Resolver
	remoteDomain         string
	connectOnResolution bool

	state       State
	awaitingAck bool

	localPort  host.Port
	remotePort host.Port
	remoteIP   host.IPv4

	localSeq  uint32
	remoteSeq uint32
	remoteMSS uint16

	stash      buffer.Buffer
	pendingLen int

	retries    uint8
	stateTicks uint32
}

// NewListener registers a listening Socket bound to localPort. It
// accepts a single inbound connection: once a SYN has been accepted, a
// SYN from another peer for the same port is refused, and when the
// connection closes the Socket is unregistered rather than returned to
// LISTEN. While the Socket is registered, a second NewListener on
// localPort fails with ErrPortInUse (this stack has no backlog or
// accept-a-new-socket-per-connection model, matching the firmware
// original's one-Socket-per-port design).
func NewListener(layer *Layer, localPort host.Port, handler Handler) (*Socket, error) {
	if layer.listenerExists(localPort) {
		return nil, fmt.Errorf("tcp: listener on port %d: %w", localPort, errs.ErrPortInUse)
	}
	s := &Socket{layer: layer, handler: requireHandler(handler), localPort: localPort, state: StateListen}
	stash, err := layer.register(s)
	if err != nil {
		return nil, err
	}
	s.stash = stash
	return s, nil
}

// Dial registers a Socket and immediately begins an active open to
// remoteIP:remotePort.
func Dial(layer *Layer, remoteIP host.IPv4, remotePort host.Port, handler Handler) (*Socket, error) {
	s := &Socket{layer: layer, handler: requireHandler(handler), remoteIP: remoteIP, remotePort: remotePort, state: StateClosed}
	stash, err := layer.register(s)
	if err != nil {
		return nil, err
	}
	s.stash = stash
	if err := s.openActive(); err != nil {
		layer.unregister(s)
		return nil, err
	}
	return s, nil
}

// DialDomain registers a Socket that resolves remoteDomain via resolver
// before opening a connection. The Socket starts in RESOLVING and moves
// to SYN_SENT once the name resolves, or to UNKNOWN_HOST if it fails;
// checkState drives the resolution retry through resolver's own timer.
func DialDomain(layer *Layer, resolver *dns.Resolver, remoteDomain string, remotePort host.Port, handler Handler) (*Socket, error) {
	s := &Socket{
		layer: layer, handler: requireHandler(handler),
		resolver: resolver, remoteDomain: remoteDomain, remotePort: remotePort,
		state: StateResolving, connectOnResolution: true,
	}
	stash, err := layer.register(s)
	if err != nil {
		return nil, err
	}
	s.stash = stash
	s.tryResolve()
	return s, nil
}

// State returns the Socket's current state.
func (s *Socket) State() State { return s.state }

// LocalPort returns the Socket's bound local port.
func (s *Socket) LocalPort() host.Port { return s.localPort }

// RemotePort returns the Socket's peer port.
func (s *Socket) RemotePort() host.Port { return s.remotePort }

// RemoteIP returns the Socket's peer address, valid once resolved (for a
// domain-name Socket) or from construction (for Dial).
func (s *Socket) RemoteIP() host.IPv4 { return s.remoteIP }

func defaultMSS(mss uint16) uint16 {
	if mss == 0 {
		return 536 // RFC 879 default, used when a peer's SYN carries no MSS option
	}
	return mss
}

func (s *Socket) windowSize() uint16 {
	w := s.layer.MaxSegmentSize()
	if w > 0xFFFF {
		w = 0xFFFF
	}
	if w < 0 {
		w = 0
	}
	return uint16(w)
}

// send builds and transmits one segment, then advances localSeq for any
// control bit or payload byte it carries: +1 for SYN or FIN, +length for
// data. checkState's retransmit path decrements localSeq by the same
// amount before calling send again, so a resent segment reuses exactly
// the sequence number it used the first time.
func (s *Socket) send(flags Flags, payload buffer.Buffer, length int) error {
	if err := s.layer.sendSegment(s, flags, payload, length, 0); err != nil && !errors.Is(err, errs.ErrRoute) {
		return err
	}
	// A segment held back by ErrRoute (ARP resolution was kicked off by
	// the Send) is accounted for as sent, so checkState's retry path
	// resends it with the same sequence number once a route exists.
	if flags&(FlagSYN|FlagFIN) != 0 {
		s.localSeq++
	}
	if length > 0 {
		s.localSeq += uint32(length)
		s.awaitingAck = true
	}
	return nil
}

func (s *Socket) openActive() error {
	if s.localPort == 0 {
		s.localPort = s.layer.ip.NextPort()
	}
	s.localSeq = s.layer.millis() | 1
	s.remoteSeq = 0
	s.retries = 0
	s.stateTicks = 0
	s.awaitingAck = false
	s.state = StateSynSent
	return s.send(FlagSYN, nil, 0)
}

func (s *Socket) tryResolve() {
	if s.resolver == nil {
		return
	}
	ip, ok, err := s.resolver.Resolve(s.remoteDomain, false)
	if err != nil {
		s.state = StateUnknownHost
		return
	}
	if !ok {
		return
	}
	s.remoteIP = ip
	if s.connectOnResolution {
		_ = s.openActive()
	}
}

func (s *Socket) enterTimeWait() {
	s.state = StateTimeWait
	s.stateTicks = 0
	s.awaitingAck = false
}

func (s *Socket) transitionClosed() {
	s.state = StateClosed
	s.awaitingAck = false
	s.retries = 0
	s.stateTicks = 0
	s.layer.unregister(s)
}

func (s *Socket) forceClose() {
	prev := s.state
	s.transitionClosed()
	if prev != StateClosed {
		s.handler.OnClosed()
	}
}

// ForceClose tears the connection down immediately, without attempting
// a graceful FIN exchange — the last resort checkState also falls back
// to once a retry budget is exhausted.
func (s *Socket) ForceClose() { s.forceClose() }

// Close starts a graceful close: ESTABLISHED sends FIN and moves to
// FIN_WAIT_1; CLOSE_WAIT (the peer already closed its side) sends FIN
// and moves to LAST_ACK. Any other state is an error.
func (s *Socket) Close() error {
	switch s.state {
	case StateEstablished:
		s.state = StateFinWait1
	case StateCloseWait:
		s.state = StateLastAck
	default:
		return fmt.Errorf("tcp: close in state %s: %w", s.state, errs.ErrClosed)
	}
	s.retries = 0
	s.stateTicks = 0
	s.handler.OnLocalClosed()
	return s.send(FlagFIN|FlagACK, nil, 0)
}

// Reset aborts the connection locally and, unless it was already idle,
// notifies the peer with an RST.
func (s *Socket) Reset() error {
	prev := s.state
	s.transitionClosed()
	if prev == StateClosed || prev == StateListen || prev == StateResolving || prev == StateUnknownHost {
		return nil
	}
	return s.layer.sendSegment(s, FlagRST, nil, 0, 0)
}

// Send queues length bytes from payload as one data segment. Only one
// segment may be outstanding at a time; Send fails with ErrBuffer if a
// previous one is still unacknowledged or length exceeds either the
// negotiated segment size or the Socket's stash capacity.
func (s *Socket) Send(payload buffer.Buffer, length int) error {
	if s.state != StateEstablished && s.state != StateCloseWait {
		return fmt.Errorf("tcp: send in state %s: %w", s.state, errs.ErrClosed)
	}
	if s.awaitingAck {
		return fmt.Errorf("tcp: segment already outstanding: %w", errs.ErrBuffer)
	}
	if length > s.layer.MaxSegmentSize() || length > int(s.remoteMSS) || length > s.stash.Size() {
		return errs.ErrBuffer
	}
	if length > 0 {
		if err := buffer.Copy(s.stash, payload, 0, 0, length); err != nil {
			return err
		}
	}
	s.pendingLen = length
	return s.send(FlagPSH|FlagACK, s.stash, length)
}

// checkState runs once per Layer timer tick (nominally every second). It
// drives DNS-resolution retry, handshake/teardown/data retransmission up
// to maxRetries, and TIME_WAIT expiry.
func (s *Socket) checkState() {
	s.stateTicks++

	switch s.state {
	case StateResolving, StateUnknownHost:
		s.tryResolve()
		return
	case StateClosed, StateListen:
		return
	case StateTimeWait:
		if s.stateTicks >= timeWaitTicks {
			s.transitionClosed()
			s.handler.OnClosed()
		}
		return
	}

	if s.awaitingAck {
		if s.retries >= maxRetries {
			s.forceClose()
			return
		}
		s.retries++
		s.localSeq -= uint32(s.pendingLen)
		_ = s.send(FlagPSH|FlagACK, s.stash, s.pendingLen)
		return
	}

	switch s.state {
	case StateSynSent:
		if s.retries >= maxRetries {
			s.forceClose()
			return
		}
		s.retries++
		s.localSeq--
		_ = s.send(FlagSYN, nil, 0)
	case StateSynReceived:
		if s.retries >= maxRetries {
			s.forceClose()
			return
		}
		s.retries++
		s.localSeq--
		_ = s.send(FlagSYN|FlagACK, nil, 0)
	case StateFinWait1, StateClosing, StateLastAck:
		if s.retries >= maxRetries {
			s.forceClose()
			return
		}
		s.retries++
		s.localSeq--
		_ = s.send(FlagFIN|FlagACK, nil, 0)
	}
}

// handleSegment applies one received, already header-validated segment
// to the state machine. It implements the RFC 793 page 35-36 edge cases
// (segment on a closed connection draws an RST; a LISTEN socket ignores
// an RST and resets anything else but a SYN without ACK) before the
// general synchronized-state
// handling.
func (s *Socket) handleSegment(in segmentIn) {
	switch s.state {
	case StateClosed:
		if in.flags&FlagRST == 0 {
			_ = s.layer.sendReset(in.sourceIP, in.sourcePort, s.localPort, in.seq, in.ack, in.flags&FlagACK != 0, in.payloadLen)
		}
		return

	case StateListen:
		if in.flags&FlagRST != 0 {
			return
		}
		if in.flags&FlagACK != 0 {
			_ = s.layer.sendReset(in.sourceIP, in.sourcePort, s.localPort, in.seq, in.ack, true, in.payloadLen)
			return
		}
		if in.flags&FlagSYN == 0 {
			_ = s.layer.sendReset(in.sourceIP, in.sourcePort, s.localPort, in.seq, in.ack, false, in.payloadLen)
			return
		}
		s.remoteIP = in.sourceIP
		s.remotePort = in.sourcePort
		s.remoteSeq = in.seq + 1
		s.remoteMSS = defaultMSS(in.mss)
		s.localSeq = s.layer.millis() | 1
		s.retries = 0
		s.stateTicks = 0
		s.awaitingAck = false
		s.state = StateSynReceived
		_ = s.send(FlagSYN|FlagACK, nil, 0)
		return
	}

	if in.flags&FlagRST != 0 {
		s.transitionClosed()
		s.handler.OnReset(true)
		return
	}

	switch s.state {
	case StateSynSent:
		if in.flags&FlagSYN == 0 {
			return
		}
		s.remoteSeq = in.seq + 1
		s.remoteMSS = defaultMSS(in.mss)
		switch {
		case in.flags&FlagACK != 0 && in.ack == s.localSeq:
			s.state = StateEstablished
			s.retries = 0
			s.stateTicks = 0
			_ = s.send(FlagACK, nil, 0)
			s.handler.OnEstablished()
			s.handler.OnReadyToSend()
		case in.flags&FlagACK == 0:
			// Simultaneous open: both sides sent SYN before either saw
			// the other's. Acknowledge the peer's SYN and wait for it
			// to acknowledge ours.
			s.state = StateSynReceived
			s.retries = 0
			s.stateTicks = 0
			_ = s.send(FlagACK, nil, 0)
		default:
			_ = s.layer.sendReset(in.sourceIP, in.sourcePort, s.localPort, in.seq, in.ack, true, in.payloadLen)
		}
		return

	case StateSynReceived:
		if in.flags&FlagACK != 0 && in.ack == s.localSeq {
			s.state = StateEstablished
			s.retries = 0
			s.stateTicks = 0
			s.handler.OnEstablished()
			s.handler.OnReadyToSend()
		}
		return
	}

	// ESTABLISHED and every teardown state beyond it require an ACK and
	// an in-order segment; anything else is silently dropped rather than
	// reassembled, matching this stack's no-out-of-order-queue design.
	if in.flags&FlagACK == 0 {
		return
	}
	if in.seq != s.remoteSeq {
		return
	}

	if in.payloadLen > 0 && (s.state == StateEstablished || s.state == StateFinWait1 || s.state == StateFinWait2) {
		if s.handler.OnDataReceived(in.payload, in.payloadLen) {
			s.remoteSeq += uint32(in.payloadLen)
			_ = s.send(FlagACK, nil, 0)
		}
	}

	if s.awaitingAck && in.ack == s.localSeq {
		s.awaitingAck = false
		s.retries = 0
		s.handler.OnReadyToSend()
	}

	if in.flags&FlagFIN != 0 {
		s.remoteSeq++
		switch s.state {
		case StateEstablished:
			s.state = StateCloseWait
			_ = s.send(FlagACK, nil, 0)
			s.handler.OnRemoteClosed()
		case StateFinWait1:
			if in.ack == s.localSeq {
				s.enterTimeWait()
			} else {
				s.state = StateClosing
			}
			_ = s.send(FlagACK, nil, 0)
			s.handler.OnRemoteClosed()
		case StateFinWait2:
			s.enterTimeWait()
			_ = s.send(FlagACK, nil, 0)
			s.handler.OnRemoteClosed()
		}
		return
	}

	switch s.state {
	case StateFinWait1:
		if in.ack == s.localSeq {
			s.state = StateFinWait2
		}
	case StateClosing:
		if in.ack == s.localSeq {
			s.enterTimeWait()
		}
	case StateLastAck:
		if in.ack == s.localSeq {
			s.transitionClosed()
			s.handler.OnClosed()
		}
	}
}
