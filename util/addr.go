package util

import (
	"errors"
	"fmt"
	"net"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var ErrBadDialAddress = errors.New("Not a dialable address")

// Turns a peer address given on the command line into host:port.
//
// Multiaddrs are accepted, including the /p2p/<id> and legacy /ipfs/<id>
// suffixes, which are dropped since the peer proves its identity during the
// handshake. Plain host:port is accepted as well.
func ParseDialAddress(s string) (string, error) {
	s = strings.TrimSpace(s)

	if s == "" {
		return "", ErrBadDialAddress
	}

	if !strings.HasPrefix(s, "/") {
		host, port, err := net.SplitHostPort(s)

		if err != nil || host == "" || port == "" {
			return "", ErrBadDialAddress
		}

		return net.JoinHostPort(host, port), nil
	}

	s = StripPeerID(s)

	addr, err := ma.NewMultiaddr(s)

	if err != nil {
		return "", err
	}

	network, host, err := manet.DialArgs(addr)

	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(network, "tcp") {
		return "", ErrBadDialAddress
	}

	return host, nil
}

// Removes a trailing /p2p/<id> or /ipfs/<id> component.
func StripPeerID(s string) string {
	for _, proto := range []string{"/p2p/", "/ipfs/"} {
		if i := strings.LastIndex(s, proto); i > 0 {
			return s[:i]
		}
	}

	return s
}

// The reverse of ParseDialAddress, host:port as a multiaddr.
func ToMultiaddr(hostPort string) (ma.Multiaddr, error) {
	host, port, err := net.SplitHostPort(hostPort)

	if err != nil {
		return nil, err
	}

	proto := "dns"

	if ip := net.ParseIP(host); ip != nil {
		proto = "ip6"

		if ip.To4() != nil {
			proto = "ip4"
		}
	}

	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%s", proto, host, port))
}
