// Package relayconf generates and parses configuration text for the external
// relay binary. Generation is pure: callers decide where the text is written.
package relayconf

import (
	"fmt"
	"strings"
)

type ServerParams struct {
	ServerID        string
	BindAddr        string // public bind address for every listener
	ControlPort     int
	TunnelGamePort  int
	TunnelQueryPort int // 0 = no query service
	Token           string
}

type ClientParams struct {
	ServerID       string
	RelayHost      string
	ControlPort    int
	HostIP         string // address the relay client dials locally
	LocalGamePort  int
	LocalQueryPort int // 0 = no query service
	Token          string
}

// ServerConfig renders the relay server's TOML. The TCP and UDP game
// services bind the same tunnel port on purpose: game protocols commonly
// require matching TCP and UDP port numbers on the public side, and a single
// shared port keeps the connection info clients see to one number.
func ServerConfig(p ServerParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[server]\n")
	fmt.Fprintf(&b, "bind_addr = %q\n", addr(p.BindAddr, p.ControlPort))
	fmt.Fprintf(&b, "default_token = %q\n", p.Token)
	fmt.Fprintf(&b, "heartbeat_interval = 30\n")
	fmt.Fprintf(&b, "\n[server.transport]\ntype = \"tcp\"\n")

	fmt.Fprintf(&b, "\n[server.services.%s_game_tcp]\n", p.ServerID)
	fmt.Fprintf(&b, "type = \"tcp\"\ntoken = %q\n", p.Token)
	fmt.Fprintf(&b, "bind_addr = %q\nnodelay = true\n", addr(p.BindAddr, p.TunnelGamePort))

	fmt.Fprintf(&b, "\n[server.services.%s_game_udp]\n", p.ServerID)
	fmt.Fprintf(&b, "type = \"udp\"\ntoken = %q\n", p.Token)
	fmt.Fprintf(&b, "bind_addr = %q\nnodelay = true\n", addr(p.BindAddr, p.TunnelGamePort))

	if p.TunnelQueryPort > 0 {
		fmt.Fprintf(&b, "\n[server.services.%s_query]\n", p.ServerID)
		fmt.Fprintf(&b, "type = \"tcp\"\ntoken = %q\n", p.Token)
		fmt.Fprintf(&b, "bind_addr = %q\nnodelay = true\n", addr(p.BindAddr, p.TunnelQueryPort))
	}
	return b.String()
}

// ClientConfig renders the relay client's TOML for the worker node. It is
// regenerated on demand from the instance record so it always reflects the
// current allocation state.
func ClientConfig(p ClientParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[client]\n")
	fmt.Fprintf(&b, "remote_addr = %q\n", addr(p.RelayHost, p.ControlPort))
	fmt.Fprintf(&b, "default_token = %q\n", p.Token)
	fmt.Fprintf(&b, "heartbeat_timeout = 40\nretry_interval = 1\n")
	fmt.Fprintf(&b, "\n[client.transport]\ntype = \"tcp\"\n")
	fmt.Fprintf(&b, "\n[client.transport.tcp]\nkeepalive_secs = 5\nkeepalive_interval = 2\n")

	fmt.Fprintf(&b, "\n[client.services.%s_game_tcp]\n", p.ServerID)
	fmt.Fprintf(&b, "type = \"tcp\"\ntoken = %q\n", p.Token)
	fmt.Fprintf(&b, "local_addr = %q\nnodelay = true\n", addr(p.HostIP, p.LocalGamePort))

	fmt.Fprintf(&b, "\n[client.services.%s_game_udp]\n", p.ServerID)
	fmt.Fprintf(&b, "type = \"udp\"\ntoken = %q\n", p.Token)
	fmt.Fprintf(&b, "local_addr = %q\nnodelay = true\n", addr(p.HostIP, p.LocalGamePort))

	if p.LocalQueryPort > 0 {
		fmt.Fprintf(&b, "\n[client.services.%s_query]\n", p.ServerID)
		fmt.Fprintf(&b, "type = \"tcp\"\ntoken = %q\n", p.Token)
		fmt.Fprintf(&b, "local_addr = %q\nnodelay = true\n", addr(p.HostIP, p.LocalQueryPort))
	}
	return b.String()
}

func addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
