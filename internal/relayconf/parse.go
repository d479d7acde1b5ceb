package relayconf

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParsedPorts is what restart recovery can learn from an on-disk relay
// server config: the control listener and the public tunnel ports. Local
// worker-side ports are not present in the server config and cannot be
// recovered from it.
type ParsedPorts struct {
	ControlPort     int
	TunnelGamePort  int
	TunnelQueryPort int    // 0 when the instance has no query service
	Token           string // default_token, recovered for client config regeneration
}

var (
	sectionRe  = regexp.MustCompile(`^\[(?P<name>[^\]]+)\]\s*$`)
	bindAddrRe = regexp.MustCompile(`^bind_addr\s*=\s*"(?P<host>[^:"]*):(?P<port>\d+)"\s*$`)
	typeRe     = regexp.MustCompile(`^type\s*=\s*"(?P<proto>tcp|udp)"\s*$`)
	tokenRe    = regexp.MustCompile(`^default_token\s*=\s*"(?P<token>[^"]+)"\s*$`)
)

var ErrNoControlPort = errors.New("config has no server bind address")

type serviceEntry struct {
	name  string
	proto string
	port  int
}

// Parse extracts port numbers from relay server config text. It walks the
// TOML sections structurally instead of pattern-matching the whole file:
// the `[server]` bind_addr is the control port, every
// `[server.services.*]` bind_addr is a public tunnel listener. A TCP+UDP
// pair on the same port is the shared game port; a remaining TCP-only
// listener is the query port.
func Parse(text string) (ParsedPorts, error) {
	var (
		out      ParsedPorts
		section  string
		services []serviceEntry
		current  *serviceEntry
	)

	flush := func() {
		if current != nil && current.port > 0 {
			services = append(services, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			flush()
			section = m[sectionRe.SubexpIndex("name")]
			if strings.HasPrefix(section, "server.services.") {
				current = &serviceEntry{name: strings.TrimPrefix(section, "server.services.")}
			}
			continue
		}
		if m := bindAddrRe.FindStringSubmatch(line); m != nil {
			port, err := strconv.Atoi(m[bindAddrRe.SubexpIndex("port")])
			if err != nil {
				return ParsedPorts{}, fmt.Errorf("parse bind port in section %s: %w", section, err)
			}
			switch {
			case section == "server":
				out.ControlPort = port
			case current != nil:
				current.port = port
			}
			continue
		}
		if m := typeRe.FindStringSubmatch(line); m != nil && current != nil {
			current.proto = m[typeRe.SubexpIndex("proto")]
			continue
		}
		if m := tokenRe.FindStringSubmatch(line); m != nil && section == "server" {
			out.Token = m[tokenRe.SubexpIndex("token")]
		}
	}
	flush()

	if out.ControlPort == 0 {
		return ParsedPorts{}, ErrNoControlPort
	}

	// Pair TCP and UDP listeners sharing a port number to find the game
	// port, then treat any remaining TCP listener as the query port.
	udpPorts := map[int]bool{}
	for _, s := range services {
		if s.proto == "udp" {
			udpPorts[s.port] = true
		}
	}
	for _, s := range services {
		if s.proto == "tcp" && udpPorts[s.port] {
			out.TunnelGamePort = s.port
			break
		}
	}
	for _, s := range services {
		if s.proto == "tcp" && s.port != out.TunnelGamePort {
			out.TunnelQueryPort = s.port
			break
		}
	}
	// Single-service configs (no UDP pair) still need a game port.
	if out.TunnelGamePort == 0 && out.TunnelQueryPort != 0 {
		out.TunnelGamePort = out.TunnelQueryPort
		out.TunnelQueryPort = 0
	}
	return out, nil
}
