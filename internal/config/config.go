// Package config loads the B2BUA server's runtime configuration from flags
// with environment-variable overrides, grounded on
// services/signaling/config.Load's flag-then-env-override shape.
package config

import (
	"flag"
	"net"
	"os"
	"strconv"
)

// Config holds everything cmd/b2bua needs to stand the Dialogue Manager and
// RTP Channel up: where to listen for SIP, what address to advertise in
// headers and SDP, the media port range the RTP Channel draws from, and the
// CDR cause recorded on a peer leg when the local side hangs up first.
type Config struct {
	Port          int
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string

	MediaPortStart      int
	MediaPortEnd        int
	CreateControlSocket bool

	RemoteHangupCause string
}

// Load parses flags, then layers environment variables on top, matching the
// teacher's precedence (flags first, env wins on conflict).
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "address to advertise in SIP headers and mangled SDP (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.IntVar(&cfg.MediaPortStart, "media-port-start", 20000, "first port of the RTP channel's media/control allocation range")
	flag.IntVar(&cfg.MediaPortEnd, "media-port-end", 20999, "last port of the RTP channel's media/control allocation range")
	flag.BoolVar(&cfg.CreateControlSocket, "rtcp-socket", true, "bind a dedicated control (RTCP) socket alongside the media socket")
	flag.StringVar(&cfg.RemoteHangupCause, "remote-hangup-cause", "peer-hangup", "CDR cause recorded on the peer leg when the local side hangs up first")
	flag.Parse()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if advertise := os.Getenv("ADVERTISE"); advertise != "" {
		cfg.AdvertiseAddr = advertise
	} else if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
	if level := os.Getenv("LOGLEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg
}

// primaryInterfaceIP detects a usable non-loopback IPv4 address to advertise
// when none was configured explicitly.
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
