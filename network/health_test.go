package network

import (
	"net"
	"testing"
	"time"
)

func TestHealthCheckOpenPort(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	if !HealthCheck("127.0.0.1", port, 2*time.Second) {
		t.Fatalf("expected open health port to be reachable")
	}
}

func TestHealthCheckClosedPort(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	listener.Close()

	if HealthCheck("127.0.0.1", port, 500*time.Millisecond) {
		t.Fatalf("expected closed health port to be unreachable")
	}
}

func TestHealthCheckDefaultsTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	if !HealthCheck("127.0.0.1", port, 0) {
		t.Fatalf("expected zero timeout to fall back to the default")
	}
}
