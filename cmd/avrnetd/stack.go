package main

import (
	"fmt"

	"github.com/avrnet/stack/arp"
	"github.com/avrnet/stack/dns"
	"github.com/avrnet/stack/host"
	"github.com/avrnet/stack/ipv4"
	"github.com/avrnet/stack/link"
	"github.com/avrnet/stack/link/sim"
	"github.com/avrnet/stack/link/tap"
	"github.com/avrnet/stack/tcp"
	"github.com/avrnet/stack/udp"
	"github.com/sirupsen/logrus"
)

// netStack bundles every protocol layer and the link.Demux driving them,
// the whole of what spec.md calls the stack's public construction
// surface, wired from one Config the way stack.New would be in a
// library consumer's own code.
type netStack struct {
	device link.Device
	demux  *link.Demux
	arp    *arp.Resolver
	ip     *ipv4.Layer
	udp    *udp.Layer
	dns    *dns.Resolver
	tcp    *tcp.Layer
}

// closer is the subset of link.Device a tap.Device satisfies but a
// sim.Device does not: buildStack hands one back so the serve loop can
// release the real fd on shutdown without caring which kind it opened.
type closer interface {
	Close() error
}

func buildStack(conf Config, log *logrus.Logger) (*netStack, closer, error) {
	localMAC, err := parseMAC(conf.Network.LocalMAC)
	if err != nil {
		return nil, nil, err
	}
	localIP, err := parseIPv4(conf.Network.LocalIP)
	if err != nil {
		return nil, nil, err
	}
	gatewayIP, err := parseIPv4(conf.Network.Gateway)
	if err != nil {
		return nil, nil, err
	}
	subnet, err := parseIPv4(conf.Network.Subnet)
	if err != nil {
		return nil, nil, err
	}
	primaryDNS, err := parseIPv4(conf.DNS.Primary)
	if err != nil {
		return nil, nil, err
	}
	var backupDNS host.IPv4
	if conf.DNS.Backup != "" {
		backupDNS, err = parseIPv4(conf.DNS.Backup)
		if err != nil {
			return nil, nil, err
		}
	}

	var device link.Device
	var closeable closer
	switch conf.Device.Kind {
	case "tap":
		d, err := tap.Open(conf.Device.Name, localMAC, conf.Device.MTU)
		if err != nil {
			return nil, nil, err
		}
		device, closeable = d, d
	case "sim":
		device = sim.NewDevice(localMAC, conf.Device.MTU)
	default:
		return nil, nil, fmt.Errorf("avrnetd: unknown device kind %q", conf.Device.Kind)
	}

	clock := host.NewSystemClock()
	demux, err := link.New(device, clock, log, conf.Capacity.Protocols, conf.Capacity.ARPRoutes+conf.Capacity.DNSEntries+1)
	if err != nil {
		return nil, nil, err
	}

	arpResolver, err := arp.New(demux, log, localIP, conf.Capacity.ARPRoutes)
	if err != nil {
		return nil, nil, err
	}

	ipLayer, err := ipv4.New(demux, arpResolver, log, localIP, gatewayIP, subnet, conf.Capacity.Protocols)
	if err != nil {
		return nil, nil, err
	}

	udpLayer, err := udp.New(ipLayer, conf.Capacity.Listeners)
	if err != nil {
		return nil, nil, err
	}

	dnsResolver, err := dns.New(udpLayer, log, primaryDNS, backupDNS, conf.Capacity.DNSEntries, dns.TimerFuncs{
		Register:   func(handler dns.TimerHandler, delay uint32) (uint8, error) { return demux.RegisterTimer(handler, delay) },
		Unregister: demux.UnregisterTimer,
		Millis:     demux.Millis,
	})
	if err != nil {
		return nil, nil, err
	}

	tcpLayer, err := tcp.New(ipLayer, log, conf.Capacity.Sockets, conf.Capacity.StashBytes)
	if err != nil {
		return nil, nil, err
	}

	return &netStack{device: device, demux: demux, arp: arpResolver, ip: ipLayer, udp: udpLayer, dns: dnsResolver, tcp: tcpLayer}, closeable, nil
}
