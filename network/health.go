package network

import (
	"net"
	"strconv"
	"time"
)

// DefaultHealthCheckTimeout bounds one health-port connection attempt.
const DefaultHealthCheckTimeout = 3 * time.Second

// HealthCheck reports whether the server's TCP health port accepts a
// connection. The health port is only open inside the post-knock
// authorization window, so a false result more often means no recent knock
// than an unreachable server.
func HealthCheck(host string, port uint16, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
