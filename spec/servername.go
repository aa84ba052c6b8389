package spec

import (
	"net"
	"strconv"
	"strings"
)

// A ServerName is the name a matrix homeserver is identified by.
// It is a DNS name or IP address optionally followed by a port.
//
// https://spec.matrix.org/v1.8/appendices/#server-name
type ServerName string

// ParseAndValidateServerName splits a ServerName into a host and port part,
// and checks that it is a valid server name. The port is -1 if absent.
func ParseAndValidateServerName(serverName ServerName) (host string, port int, valid bool) {
	host, port = splitServerName(string(serverName))
	switch {
	case host == "":
		return host, port, false
	case host[0] == '[':
		valid = host[len(host)-1] == ']' && net.ParseIP(host[1:len(host)-1]) != nil
		return host, port, valid
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return host, port, true
	}
	return host, port, strings.IndexFunc(host, func(r rune) bool { return !isDNSNameChar(r) }) == -1
}

func isDNSNameChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '.'
}

// splitServerName doesn't validate anything. A suffix that isn't a valid
// port, like the tail of a bare IPv6 address, is left on the host.
func splitServerName(name string) (string, int) {
	lastColon := strings.LastIndexByte(name, ':')
	if lastColon < 0 {
		return name, -1
	}
	port, err := strconv.ParseUint(name[lastColon+1:], 10, 16)
	if err != nil {
		return name, -1
	}
	return name[:lastColon], int(port)
}
