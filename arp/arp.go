// Package arp implements RFC 826 address resolution: a fixed-capacity
// route table, request/reply handling, a retry timer, and passive
// learning of sender addresses from the ARP requests and replies it
// receives. Only the plain request/response exchange is
// implemented — ARP probe, announcement, and gratuitous ARP are out of
// scope, matching the original firmware's own stated limitations.
package arp

import (
	"github.com/avrnet/stack/buffer"
	"github.com/avrnet/stack/errs"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/link"
	"github.com/sirupsen/logrus"
)

const (
	hwTypeEthernet  = 0x0001
	opRequest       = 0x0001
	opReply         = 0x0002
	retryInterval   = 250 // milliseconds
	maxAttempts     = 5
	frameLen        = 28
)

// route is one entry in the ARP table. Status is modeled as explicit
// fields rather than a packed bit-7/bit0-6 byte the way the original
// firmware stores it — Go has no RAM pressure forcing that trick, and
// explicit fields are both clearer and impossible to get the shift
// arithmetic wrong on.
type route struct {
	ip         host.IPv4
	mac        host.MAC
	resolved   bool
	attempts   uint8
	lookupTime uint32 // milliseconds, per host.Clock
	inUse      bool
}

// Resolver is the ARP layer: a route table plus the demultiplexer
// plumbing (protocol registration, retry timer, frame send/receive) it
// needs to resolve and maintain routes.
type Resolver struct {
	demux   *link.Demux
	log     *logrus.Logger
	localIP host.IPv4
	routes  []route
	timer   uint8
}

// New registers the ARP EtherType with demux and returns a Resolver with
// room for capacity routes.
func New(demux *link.Demux, log *logrus.Logger, localIP host.IPv4, capacity int) (*Resolver, error) {
	r := &Resolver{
		demux:   demux,
		log:     log,
		localIP: localIP,
		routes:  make([]route, capacity),
	}
	if err := demux.RegisterProtocol(link.EtherTypeARP, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the MAC address for ip if known. If ip has a lookup in
// flight, it returns ok=false and leaves the retry timer to continue it;
// if ip has no route yet, it starts a lookup and returns ok=false. A
// resolved route's cached MAC is returned every time: Resolve never
// starts a new lookup for a resolved route, so its MAC changes only when
// ARP traffic from that peer updates it through Learn.
func (r *Resolver) Resolve(ip host.IPv4) (mac host.MAC, ok bool) {
	for i := range r.routes {
		if !r.routes[i].inUse || r.routes[i].ip != ip {
			continue
		}
		if r.routes[i].resolved {
			return r.routes[i].mac, true
		}
		return host.MAC{}, false
	}
	_ = r.startResolve(ip)
	return host.MAC{}, false
}

// Learn updates the route for ip, if the table already holds one (in
// flight or resolved), with mac and marks it resolved. HandlePayload
// calls it with the sender of each ARP request and reply it receives. An
// ip with no route is ignored: Learn never adds a table entry.
func (r *Resolver) Learn(ip host.IPv4, mac host.MAC) {
	for i := range r.routes {
		if r.routes[i].inUse && r.routes[i].ip == ip {
			r.routes[i].mac = mac
			r.routes[i].resolved = true
			return
		}
	}
}

func (r *Resolver) startResolve(ip host.IPv4) error {
	index := -1
	for i := range r.routes {
		if r.routes[i].inUse && r.routes[i].ip == ip {
			if !r.routes[i].resolved {
				return nil // already in flight
			}
			index = i
			break
		}
	}
	if index == -1 {
		for i := range r.routes {
			if !r.routes[i].inUse {
				index = i
				break
			}
		}
	}
	if index == -1 {
		return errs.ErrCapacity
	}

	if r.timer == 0 {
		t, err := r.demux.RegisterTimer(r, retryInterval)
		if err != nil {
			return err
		}
		r.timer = t
	}

	r.routes[index] = route{ip: ip, inUse: true, attempts: 1, lookupTime: r.demux.Millis()}
	if r.log != nil {
		r.log.WithFields(logrus.Fields{"ip": ip}).Debug("arp: resolving")
	}
	return r.sendRequest(ip)
}

// HandleTimer implements link.TimerHandler. It re-sends or expires any
// in-flight lookups whose retry interval has elapsed, and unregisters the
// retry timer once none remain.
func (r *Resolver) HandleTimer(slot uint8) {
	current := r.demux.Millis()
	active := 0
	for i := range r.routes {
		if !r.routes[i].inUse || r.routes[i].resolved {
			continue
		}
		active++
		if current-r.routes[i].lookupTime < retryInterval {
			continue
		}
		if r.routes[i].attempts >= maxAttempts {
			r.routes[i] = route{}
			continue
		}
		r.routes[i].attempts++
		r.routes[i].lookupTime = current
		_ = r.sendRequest(r.routes[i].ip)
	}
	if active == 0 && r.timer != 0 {
		r.demux.UnregisterTimer(r.timer)
		r.timer = 0
	}
}

func (r *Resolver) sendRequest(target host.IPv4) error {
	send := r.demux.SendPayloadBuffer()
	if err := writeHeader(send, opRequest); err != nil {
		return err
	}
	mac := r.demux.MAC()
	if err := send.WriteAt(8, mac[:]); err != nil {
		return err
	}
	if err := send.WriteAt(14, r.localIP[:]); err != nil {
		return err
	}
	var zero [6]byte
	if err := send.WriteAt(18, zero[:]); err != nil {
		return err
	}
	if err := send.WriteAt(24, target[:]); err != nil {
		return err
	}
	return r.demux.SendFrame(host.Broadcast, link.EtherTypeARP, frameLen)
}

func (r *Resolver) sendReply(targetMAC host.MAC, targetIP host.IPv4) error {
	send := r.demux.SendPayloadBuffer()
	if err := writeHeader(send, opReply); err != nil {
		return err
	}
	mac := r.demux.MAC()
	if err := send.WriteAt(8, mac[:]); err != nil {
		return err
	}
	if err := send.WriteAt(14, r.localIP[:]); err != nil {
		return err
	}
	if err := send.WriteAt(18, targetMAC[:]); err != nil {
		return err
	}
	if err := send.WriteAt(24, targetIP[:]); err != nil {
		return err
	}
	return r.demux.SendFrame(targetMAC, link.EtherTypeARP, frameLen)
}

func writeHeader(b buffer.Buffer, op uint16) error {
	if err := buffer.WriteNet16(b, 0, hwTypeEthernet); err != nil {
		return err
	}
	if err := buffer.WriteNet16(b, 2, uint16(link.EtherTypeIPv4)); err != nil {
		return err
	}
	if err := buffer.Write8(b, 4, 6); err != nil {
		return err
	}
	if err := buffer.Write8(b, 5, 4); err != nil {
		return err
	}
	return buffer.WriteNet16(b, 6, op)
}

// HandlePayload implements link.PayloadHandler.
func (r *Resolver) HandlePayload(payload buffer.Buffer) {
	if payload.Size() < frameLen {
		return
	}
	hwType, err := buffer.ReadNet16(payload, 0)
	if err != nil || hwType != hwTypeEthernet {
		return
	}
	protoType, err := buffer.ReadNet16(payload, 2)
	if err != nil || protoType != uint16(link.EtherTypeIPv4) {
		return
	}
	if hwLen, err := buffer.Read8(payload, 4); err != nil || hwLen != 6 {
		return
	}
	if protoLen, err := buffer.Read8(payload, 5); err != nil || protoLen != 4 {
		return
	}
	op, err := buffer.ReadNet16(payload, 6)
	if err != nil {
		return
	}

	var senderMAC, targetMAC host.MAC
	var senderIP, targetIP host.IPv4
	if err := payload.ReadAt(8, senderMAC[:]); err != nil {
		return
	}
	if err := payload.ReadAt(14, senderIP[:]); err != nil {
		return
	}
	if err := payload.ReadAt(18, targetMAC[:]); err != nil {
		return
	}
	if err := payload.ReadAt(24, targetIP[:]); err != nil {
		return
	}

	r.Learn(senderIP, senderMAC)

	switch op {
	case opRequest:
		if targetIP != r.localIP {
			return
		}
		if r.log != nil {
			r.log.WithFields(logrus.Fields{"from": senderIP}).Debug("arp: request received")
		}
		_ = r.sendReply(senderMAC, senderIP)
	case opReply:
		localMAC := r.demux.MAC()
		if targetMAC != localMAC || targetIP != r.localIP {
			return
		}
		for i := range r.routes {
			if r.routes[i].inUse && r.routes[i].ip == senderIP {
				r.routes[i].mac = senderMAC
				r.routes[i].resolved = true
				if r.log != nil {
					r.log.WithFields(logrus.Fields{"ip": senderIP, "mac": senderMAC}).Info("arp: resolved")
				}
				return
			}
		}
	}
}
