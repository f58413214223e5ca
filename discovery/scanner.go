// Package discovery finds knock servers on the local network. Servers that
// opt in advertise an mDNS service carrying their protocol version and
// public-key fingerprint, which lets a new client prefill a profile's host
// and port and check the key it was handed out of band.
//
// Clients only browse; they never advertise themselves.
package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name knock servers advertise.
	DefaultService = "_openme._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanTimeout bounds one browse operation.
	DefaultScanTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls a server scan.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Server is one advertised knock server.
type Server struct {
	// Instance is the advertised service instance name.
	Instance string
	// HostName is the server's mDNS host name.
	HostName string
	// Port is the advertised knock UDP port.
	Port uint16
	// Fingerprint is the server's public-key fingerprint from its TXT
	// record, for comparison against a key received out of band.
	Fingerprint string
	// Version is the advertised protocol version.
	Version int
	// Addresses are the server's resolved IPv4/IPv6 addresses.
	Addresses []string
}

// Scan browses for knock servers until the scan window closes and returns
// the collected set sorted by instance name.
func Scan(ctx context.Context, config Config) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Server)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				server, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collected[server.Instance] = server
			}
		}
	}()

	// Browse implementations may return the scan context's own expiry;
	// that just means the window ended.
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means the scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	servers := make([]Server, 0, len(collected))
	for _, server := range collected {
		servers = append(servers, server)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Instance < servers[j].Instance })
	return servers, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Server, bool) {
	if entry.Instance == "" || entry.Port <= 0 || entry.Port > 65535 {
		return Server{}, false
	}

	server := Server{
		Instance: entry.Instance,
		HostName: strings.TrimSuffix(entry.HostName, "."),
		Port:     uint16(entry.Port),
	}

	for _, txt := range entry.Text {
		key, value, found := strings.Cut(txt, "=")
		if !found {
			continue
		}
		switch key {
		case "fp":
			server.Fingerprint = value
		case "version":
			if version, err := strconv.Atoi(value); err == nil {
				server.Version = version
			}
		}
	}

	for _, addr := range entry.AddrIPv4 {
		server.Addresses = append(server.Addresses, addr.String())
	}
	for _, addr := range entry.AddrIPv6 {
		server.Addresses = append(server.Addresses, addr.String())
	}

	return server, true
}

// Host returns the best address to knock: the first resolved IP, falling
// back to the advertised host name.
func (s Server) Host() string {
	if len(s.Addresses) > 0 {
		return s.Addresses[0]
	}
	return s.HostName
}

// String renders a server for CLI listings.
func (s Server) String() string {
	host := s.Host()
	if host == "" {
		return s.Instance
	}
	return s.Instance + " (" + net.JoinHostPort(host, strconv.Itoa(int(s.Port))) + ")"
}
