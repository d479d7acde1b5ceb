package relayconf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigSharedGamePort(t *testing.T) {
	text := ServerConfig(ServerParams{
		ServerID:       "srv-1",
		BindAddr:       "0.0.0.0",
		ControlPort:    5000,
		TunnelGamePort: 6000,
		Token:          "secret-token",
	})

	assert.Contains(t, text, `bind_addr = "0.0.0.0:5000"`)
	assert.Contains(t, text, "[server.services.srv-1_game_tcp]")
	assert.Contains(t, text, "[server.services.srv-1_game_udp]")
	assert.NotContains(t, text, "_query]")
	// both protocols bind the same public port
	assert.Equal(t, 2, strings.Count(text, `bind_addr = "0.0.0.0:6000"`))
	assert.Contains(t, text, `default_token = "secret-token"`)
}

func TestServerConfigWithQueryPort(t *testing.T) {
	text := ServerConfig(ServerParams{
		ServerID:        "srv-2",
		BindAddr:        "203.0.113.7",
		ControlPort:     5001,
		TunnelGamePort:  6000,
		TunnelQueryPort: 6001,
		Token:           "tok",
	})

	assert.Contains(t, text, "[server.services.srv-2_query]")
	assert.Contains(t, text, `bind_addr = "203.0.113.7:6001"`)
}

func TestClientConfigMatchesInstancePorts(t *testing.T) {
	text := ClientConfig(ClientParams{
		ServerID:       "srv-1",
		RelayHost:      "relay.example.com",
		ControlPort:    5000,
		HostIP:         "10.0.0.5",
		LocalGamePort:  7777,
		LocalQueryPort: 15000,
		Token:          "tok",
	})

	assert.Contains(t, text, `remote_addr = "relay.example.com:5000"`)
	assert.Contains(t, text, "[client.services.srv-1_game_tcp]")
	assert.Contains(t, text, "[client.services.srv-1_game_udp]")
	assert.Contains(t, text, "[client.services.srv-1_query]")
	assert.Equal(t, 2, strings.Count(text, `local_addr = "10.0.0.5:7777"`))
	assert.Contains(t, text, `local_addr = "10.0.0.5:15000"`)
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		params ServerParams
		want   ParsedPorts
	}{
		{
			name: "game only",
			params: ServerParams{
				ServerID: "a", BindAddr: "0.0.0.0",
				ControlPort: 5000, TunnelGamePort: 6000, Token: "t",
			},
			want: ParsedPorts{ControlPort: 5000, TunnelGamePort: 6000, Token: "t"},
		},
		{
			name: "game and query",
			params: ServerParams{
				ServerID: "b", BindAddr: "198.51.100.4",
				ControlPort: 5001, TunnelGamePort: 6000, TunnelQueryPort: 6001, Token: "t",
			},
			want: ParsedPorts{ControlPort: 5001, TunnelGamePort: 6000, TunnelQueryPort: 6001, Token: "t"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(ServerConfig(tc.params))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejectsMissingControlPort(t *testing.T) {
	_, err := Parse("[server]\nheartbeat_interval = 30\n")
	assert.ErrorIs(t, err, ErrNoControlPort)
}

func TestParseToleratesUnknownLines(t *testing.T) {
	text := `[server]
bind_addr = "0.0.0.0:5000"
some_future_knob = 12

[server.transport]
type = "tcp"

[server.services.x_game_tcp]
type = "tcp"
bind_addr = "0.0.0.0:6000"

[server.services.x_game_udp]
type = "udp"
bind_addr = "0.0.0.0:6000"
`
	got, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, ParsedPorts{ControlPort: 5000, TunnelGamePort: 6000}, got)
}
