// Package network delivers knock datagrams. A knock is fire-and-forget: one
// UDP datagram, no response, so sending only fails on resolution or socket
// errors, never on server silence.
package network

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds name resolution and socket setup per send.
const DefaultDialTimeout = 5 * time.Second

// UDPSender sends datagrams over a fresh UDP socket per call. The zero value
// is ready to use.
type UDPSender struct {
	// DialTimeout bounds resolution and socket setup. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration
}

// Send transmits payload as a single datagram to host:port. Returning nil
// means the datagram was handed to the network, not that it arrived.
func (s *UDPSender) Send(host string, port uint16, payload []byte) error {
	timeout := s.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial %q: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("send datagram to %q: %w", addr, err)
	}
	return nil
}
