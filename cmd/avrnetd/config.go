package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/avrnet/stack/host"
)

// Config is the demo command's TOML configuration file, covering the
// address and capacity constants the firmware original compiles
// straight into Host.h.
type Config struct {
	Device struct {
		// Kind selects the link.Device backing: "tap" for a Linux
		// TUN/TAP interface, "sim" for an unconnected in-memory
		// device (every frame it sends is dropped) useful only for
		// smoke testing the command itself.
		Kind string `toml:"kind"`
		Name string `toml:"name"`
		MTU  int    `toml:"mtu"`
	} `toml:"device"`

	Network struct {
		LocalMAC string `toml:"local_mac"`
		LocalIP  string `toml:"local_ip"`
		Gateway  string `toml:"gateway"`
		Subnet   string `toml:"subnet"`
	} `toml:"network"`

	DNS struct {
		Primary string `toml:"primary"`
		Backup  string `toml:"backup"`
	} `toml:"dns"`

	Capacity struct {
		ARPRoutes  int `toml:"arp_routes"`
		DNSEntries int `toml:"dns_entries"`
		Protocols  int `toml:"protocols"`
		Listeners  int `toml:"listeners"`
		Sockets    int `toml:"tcp_sockets"`
		StashBytes int `toml:"tcp_stash_bytes"`
	} `toml:"capacity"`

	Listen struct {
		Port int `toml:"port"`
	} `toml:"listen"`
}

// defaultConfig mirrors the original firmware's compiled-in constants,
// used for any field a loaded TOML file does not set.
func defaultConfig() Config {
	var c Config
	c.Device.Kind = "tap"
	c.Device.Name = "avrnet0"
	c.Device.MTU = 1518
	c.Network.LocalMAC = "02:00:00:00:00:01"
	c.Network.LocalIP = "192.168.50.10"
	c.Network.Gateway = "192.168.50.1"
	c.Network.Subnet = "255.255.255.0"
	c.DNS.Primary = "192.168.50.1"
	c.Capacity.ARPRoutes = 8
	c.Capacity.DNSEntries = 4
	c.Capacity.Protocols = 4
	c.Capacity.Listeners = 4
	c.Capacity.Sockets = 4
	c.Capacity.StashBytes = 4096
	c.Listen.Port = 7
	return c
}

// loadConfig reads path, if non-empty, over top of defaultConfig.
func loadConfig(path string) (Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return Config{}, fmt.Errorf("avrnetd: reading config %q: %w", path, err)
	}
	return conf, nil
}

func parseMAC(s string) (host.MAC, error) {
	var m host.MAC
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return m, fmt.Errorf("avrnetd: invalid MAC %q", s)
	}
	for i, v := range b {
		m[i] = byte(v)
	}
	return m, nil
}

func parseIPv4(s string) (host.IPv4, error) {
	var a host.IPv4
	var b [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &b[0], &b[1], &b[2], &b[3])
	if err != nil || n != 4 {
		return a, fmt.Errorf("avrnetd: invalid IPv4 address %q", s)
	}
	for i, v := range b {
		if v < 0 || v > 255 {
			return a, fmt.Errorf("avrnetd: invalid IPv4 address %q", s)
		}
		a[i] = byte(v)
	}
	return a, nil
}
