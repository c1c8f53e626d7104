// Package relay provides the transport plumbing shared by relay clients and
// the relay server: address parsing, TCP and WebSocket dialing with a retry
// budget, keepalive tuning and connection admission.
package relay

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Transport schemes accepted in relay addresses.
const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// Address is a parsed relay address.
type Address struct {
	// Scheme is SchemeTCP, SchemeWS or SchemeWSS.
	Scheme string
	// Host is host:port for every scheme.
	Host string
	// URL is the full WebSocket URL; empty for TCP.
	URL string
}

// String returns the canonical form of the address.
func (a Address) String() string {
	if a.Scheme == SchemeTCP {
		return a.Host
	}
	return a.URL
}

// IsWebSocket reports whether the address uses a WebSocket transport.
func (a Address) IsWebSocket() bool {
	return a.Scheme == SchemeWS || a.Scheme == SchemeWSS
}

// ParseRelayAddress normalizes a relay address.
//
// Accepted input formats:
//   - Bare host:port: "127.0.0.1:8080" → TCP
//   - TCP URI: "tcp://relay.example.com:8080" → TCP, host extracted
//   - WebSocket URI: "ws://relay.example.com:8081/relay" → WebSocket, used as-is
//   - Secure WebSocket URI: "wss://relay.example.com/relay" → WebSocket
//
// TCP addresses must carry a port. Surrounding whitespace is ignored.
func ParseRelayAddress(input string) (Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Address{}, fmt.Errorf("empty relay address")
	}

	if !strings.Contains(input, "://") {
		return tcpAddress(input)
	}

	u, err := url.Parse(input)
	if err != nil {
		return Address{}, fmt.Errorf("parse relay address %q: %w", input, err)
	}
	if u.Host == "" {
		return Address{}, fmt.Errorf("relay address %q has no host", input)
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeTCP:
		return tcpAddress(u.Host)
	case SchemeWS, SchemeWSS:
		u.Scheme = strings.ToLower(u.Scheme)
		return Address{Scheme: u.Scheme, Host: u.Host, URL: u.String()}, nil
	default:
		return Address{}, fmt.Errorf("relay address %q: unsupported scheme %q", input, u.Scheme)
	}
}

func tcpAddress(hostport string) (Address, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return Address{}, fmt.Errorf("relay address %q: %w", hostport, err)
	}
	return Address{Scheme: SchemeTCP, Host: hostport}, nil
}
