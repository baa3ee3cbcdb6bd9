// Package dns implements a minimal RFC 1035 stub resolver: A-record
// queries only, a fixed-capacity cache keyed by query ID, retry against a
// primary/backup server pair, TTL-based expiry, and negative caching of
// failure response codes. Recursive resolution, the authority/additional
// sections, and any record type but A are out of scope.
package dns

import (
	"errors"
	"fmt"

	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/udp"
	"github.com/sirupsen/logrus"
)

// Rcode is a DNS response code, the low nibble of the original firmware's
// packed status byte. Kept as its own named type (rather than a raw
// uint8) so cache entries read clearly without re-deriving RFC 1035's
// rcode table from memory.
type Rcode uint8

const (
	RcodeNone          Rcode = 0x00
	RcodeFormatError   Rcode = 0x01
	RcodeServerFailure Rcode = 0x02
	RcodeNameError     Rcode = 0x03
	RcodeNotImplemented Rcode = 0x04
	RcodeRefused       Rcode = 0x05
	RcodeClientError   Rcode = 0x08
	RcodeNoResponse    Rcode = 0x09
)

// lookupState is the high nibble of the original packed status byte,
// modeled here as its own explicit field rather than bit-packed.
type lookupState uint8

const (
	statePending lookupState = iota
	stateDone
	stateExpired
)

const (
	port         = host.Port(53)
	headerLength = 12
	retryInterval = 1000 // milliseconds
	maxAttempts   = 5
)

type entry struct {
	inUse      bool
	domainName string
	ip         host.IPv4
	state      lookupState
	rcode      Rcode
	queriedAt  uint32 // milliseconds
	ttl        uint32 // seconds
	attempts   uint8
}

func (e *entry) expired(now uint32) bool {
	return e.state == stateDone && e.rcode == RcodeNone && now-e.queriedAt > e.ttl*1000
}

// Resolver is the DNS stub resolver: cache plus the UDP/timer plumbing it
// needs to send queries and process responses.
type Resolver struct {
	udp        *udp.Layer
	log        *logrus.Logger
	primary    host.IPv4
	backup     host.IPv4
	cache      []entry
	timer      uint8
	registerTimer func() (uint8, error)
	unregisterTimer func(uint8)
	millis     func() uint32
}

// TimerHandler is the same single-method shape as link.TimerHandler,
// declared locally so TimerFuncs.Register can name it without dns
// importing link just to reach two methods — any *link.Demux, whose
// RegisterTimer takes a link.TimerHandler, accepts a value satisfying
// this interface without either side needing to know about the other's
// named type.
type TimerHandler interface {
	HandleTimer(slot uint8)
}

// TimerFuncs is the timer-registry plumbing a Resolver needs from
// whatever owns the cooperative loop's timer slots (normally a
// link.Demux).
type TimerFuncs struct {
	Register   func(handler TimerHandler, delayMillis uint32) (uint8, error)
	Unregister func(uint8)
	Millis     func() uint32
}

// New registers port 53 with udpLayer and returns a Resolver with room
// for capacity cached lookups, querying primary (and backup, if set and
// different from primary, alternating every other retry).
func New(udpLayer *udp.Layer, log *logrus.Logger, primary, backup host.IPv4, capacity int, timers TimerFuncs) (*Resolver, error) {
	if backup.IsZero() {
		backup = primary
	}
	r := &Resolver{
		udp:     udpLayer,
		log:     log,
		primary: primary,
		backup:  backup,
		cache:   make([]entry, capacity),
	}
	r.registerTimer = func() (uint8, error) {
		return timers.Register(r, retryInterval)
	}
	r.unregisterTimer = timers.Unregister
	r.millis = timers.Millis
	if err := udpLayer.RegisterListener(port, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve looks up domainName. It returns (ip, true) if a successful,
// non-expired answer is cached. Otherwise it starts (or restarts, if
// force is set or the cached entry expired) a query and returns
// (zero, false, err) where err is nil while resolution is in progress,
// errs.ErrCapacity if the cache is full, or a wrapped Rcode-derived error
// once resolution has finished unsuccessfully.
func (r *Resolver) Resolve(domainName string, force bool) (host.IPv4, bool, error) {
	for i := range r.cache {
		e := &r.cache[i]
		if !e.inUse || e.domainName != domainName {
			continue
		}
		if e.expired(r.millis()) {
			e.state = stateExpired
		}
		if force || e.state == stateExpired {
			e.state = statePending
			e.rcode = RcodeNone
			e.attempts = 1
			if err := r.sendQuery(domainName, uint16(i+1), r.primary); err != nil && !errors.Is(err, errs.ErrRoute) {
				e.state = stateDone
				e.rcode = RcodeClientError
				return host.IPv4{}, false, queryError(RcodeClientError)
			}
			e.queriedAt = r.millis()
			if err := r.ensureTimer(); err != nil {
				return host.IPv4{}, false, err
			}
		}
		if e.state == stateDone {
			if e.rcode == RcodeNone {
				return e.ip, true, nil
			}
			return host.IPv4{}, false, queryError(e.rcode)
		}
		return host.IPv4{}, false, nil
	}

	index := -1
	for i := range r.cache {
		if !r.cache[i].inUse {
			index = i
			break
		}
	}
	if index == -1 {
		return host.IPv4{}, false, errs.ErrCapacity
	}

	// Reserve the slot before attempting to send, so a send failure
	// cannot leak a slot that looks allocated but was never wired to a
	// timer — mirrors the original code's bug where a failed malloc
	// left cacheSize incremented anyway.
	r.cache[index] = entry{inUse: true, domainName: domainName, state: statePending, attempts: 1}

	// A query that cannot be routed yet (ARP for the server is still in
	// flight) stays pending like one that went out; HandleTimer resends it.
	if err := r.sendQuery(domainName, uint16(index+1), r.primary); err != nil && !errors.Is(err, errs.ErrRoute) {
		r.cache[index] = entry{}
		return host.IPv4{}, false, queryError(RcodeClientError)
	}
	r.cache[index].queriedAt = r.millis()
	if err := r.ensureTimer(); err != nil {
		r.cache[index] = entry{}
		return host.IPv4{}, false, err
	}

	return host.IPv4{}, false, nil
}

func (r *Resolver) ensureTimer() error {
	if r.timer != 0 {
		return nil
	}
	t, err := r.registerTimer()
	if err != nil {
		return err
	}
	r.timer = t
	return nil
}

func queryError(rc Rcode) error {
	return fmt.Errorf("dns: rcode %d: %w", rc, errs.ErrProtocol)
}

func (r *Resolver) sendQuery(domainName string, id uint16, server host.IPv4) error {
	if len(domainName) > 255 {
		return errs.ErrBuffer
	}

	send := r.udp.SendPayloadBuffer()
	if send.Size() < headerLength {
		return errs.ErrBuffer
	}

	if err := buffer.WriteNet16(send, 0, id); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 2, 0x0100); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 4, 1); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 6, 0); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 8, 0); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, 10, 0); err != nil {
		return err
	}

	offset := headerLength
	labelStart := offset
	labelLen := 0
	write8 := func(o int, v uint8) error { return buffer.Write8(send, o, v) }

	for i := 0; i < len(domainName); i++ {
		c := domainName[i]
		if c == '.' {
			if err := write8(labelStart, uint8(labelLen)); err != nil {
				return err
			}
			labelStart = labelStart + 1 + labelLen
			labelLen = 0
			offset++
			continue
		}
		if err := write8(labelStart+1+labelLen, c); err != nil {
			return err
		}
		offset++
		labelLen++
	}
	if err := write8(labelStart, uint8(labelLen)); err != nil {
		return err
	}
	offset++
	labelStart = labelStart + 1 + labelLen
	if err := write8(labelStart, 0); err != nil {
		return err
	}
	offset++

	qtypeOffset := labelStart + 1
	qclassOffset := qtypeOffset + 2
	offset += 4

	if err := buffer.WriteNet16(send, qtypeOffset, 1); err != nil {
		return err
	}
	if err := buffer.WriteNet16(send, qclassOffset, 1); err != nil {
		return err
	}

	if r.log != nil {
		r.log.WithFields(logrus.Fields{"name": domainName, "server": server, "id": id}).Debug("dns: sending query")
	}

	return r.udp.Send(server, port, port, offset)
}

// skipName advances past a (possibly compressed) domain name encoded at
// offset, per RFC 1035 §4.1.4. A label-length byte with its top two bits
// set is a compression pointer: the pointed-to offset is the low 14 bits
// formed from both bytes of the pointer, not merely the first byte — the
// reference implementation reads only one byte of the pointer, which
// silently computes the wrong pointer target on any message where the
// low byte alone doesn't already identify the intended offset.
func skipName(b buffer.Buffer, offset int) (next int, err error) {
	for {
		size, err := buffer.Read8(b, offset)
		if err != nil {
			return 0, err
		}
		if size == 0 {
			return offset + 1, nil
		}
		if size&0xC0 == 0xC0 {
			lo, err := buffer.Read8(b, offset+1)
			if err != nil {
				return 0, err
			}
			_ = uint16(size&0x3F)<<8 | uint16(lo) // pointer target, unused: we only skip
			return offset + 2, nil
		}
		offset += 1 + int(size)
	}
}

// HandleDatagram implements udp.DatagramReceiver.
func (r *Resolver) HandleDatagram(sourceIP host.IPv4, sourcePort host.Port, packet buffer.Buffer) {
	if packet.Size() < headerLength {
		return
	}
	if sourceIP != r.primary && sourceIP != r.backup {
		return // possible cache-poisoning attempt from an unexpected server
	}

	id, err := buffer.ReadNet16(packet, 0)
	if err != nil {
		return
	}
	control, err := buffer.ReadNet16(packet, 2)
	if err != nil {
		return
	}
	qdcount, err := buffer.ReadNet16(packet, 4)
	if err != nil {
		return
	}
	ancount, err := buffer.ReadNet16(packet, 6)
	if err != nil {
		return
	}

	if control>>15 != 1 {
		return // not a response
	}
	if (control<<6)>>15 == 1 {
		return // truncated; ignore
	}

	if int(id) < 1 || int(id) > len(r.cache) {
		return
	}
	e := &r.cache[id-1]
	if !e.inUse || e.state != statePending {
		return
	}

	rcode := Rcode(control & 0x0F)
	e.state = stateDone
	e.rcode = rcode
	if rcode != RcodeNone {
		return
	}

	e.queriedAt = r.millis()

	if ancount == 0 {
		e.rcode = RcodeServerFailure
		return
	}

	ptr := headerLength
	for i := 0; i < int(qdcount); i++ {
		next, err := skipName(packet, ptr)
		if err != nil {
			return
		}
		ptr = next + 4 // qtype + qclass
	}

	for i := 0; i < int(ancount); i++ {
		next, err := skipName(packet, ptr)
		if err != nil {
			return
		}
		ptr = next + 4 // skip rtype/rclass, matching the upstream request

		ttl, err := buffer.ReadNet32(packet, ptr)
		if err != nil {
			return
		}
		ptr += 4

		rdlength, err := buffer.ReadNet16(packet, ptr)
		if err != nil {
			return
		}
		ptr += 2

		if rdlength == 4 {
			var ip host.IPv4
			if err := packet.ReadAt(ptr, ip[:]); err != nil {
				return
			}
			e.ip = ip
			e.ttl = ttl
		}
		ptr += int(rdlength)

		if rdlength == 4 {
			break
		}
	}
}

// HandleTimer implements link.TimerHandler.
func (r *Resolver) HandleTimer(slot uint8) {
	current := r.millis()
	active := 0
	for i := range r.cache {
		e := &r.cache[i]
		if !e.inUse || e.state != statePending {
			continue
		}
		if current-e.queriedAt <= retryInterval {
			active++
			continue
		}
		if e.attempts >= maxAttempts {
			e.state = stateDone
			e.rcode = RcodeNoResponse
			continue
		}
		active++
		e.attempts++
		e.queriedAt = current
		server := r.primary
		if e.attempts%2 == 0 {
			server = r.backup
		}
		_ = r.sendQuery(e.domainName, uint16(i+1), server)
	}
	if active == 0 && r.timer != 0 {
		r.unregisterTimer(r.timer)
		r.timer = 0
	}
}
