package registry

import "time"

// Instance is the full record for one relay instance. It is what the API
// returns and what gets mirrored to the durable store as JSON.
type Instance struct {
	ServerID        string    `json:"server_id"`
	OwnerID         string    `json:"owner_id,omitempty"`
	OwnerUsername   string    `json:"owner_username,omitempty"`
	GamePort        int       `json:"game_port"`
	QueryPort       int       `json:"query_port,omitempty"`
	ControlPort     int       `json:"control_port"`
	TunnelGamePort  int       `json:"tunnel_game_port"`
	TunnelQueryPort int       `json:"tunnel_query_port,omitempty"`
	Token           string    `json:"token"`
	PID             int       `json:"pid"`
	IsRunning       bool      `json:"is_running"`
	ConfigDir       string    `json:"config_dir"`
	CreatedAt       time.Time `json:"created_at"`
}

type CreateInput struct {
	ServerID      string
	GamePort      int
	QueryPort     int // 0 = no query service
	OwnerID       string
	OwnerUsername string
}

// ShutdownSummary reports a bulk teardown: instances fully removed and
// instances whose removal failed partway and remain registered.
type ShutdownSummary struct {
	Removed   []string
	Remaining []string
}
