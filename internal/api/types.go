package api

import "time"

type CreateInstanceRequest struct {
	ServerID  string `json:"server_id"`
	GamePort  int    `json:"game_port"`
	QueryPort int    `json:"query_port,omitempty"`
	// Token is the deprecated in-body credential. The auth middleware
	// consumes it; it is never treated as instance data.
	Token string `json:"token,omitempty"`
}

type InstancePayload struct {
	ServerID        string    `json:"server_id"`
	OwnerID         string    `json:"owner_id,omitempty"`
	OwnerUsername   string    `json:"owner_username,omitempty"`
	GamePort        int       `json:"game_port"`
	QueryPort       int       `json:"query_port,omitempty"`
	PublicHost      string    `json:"public_host"`
	ControlPort     int       `json:"control_port"`
	TunnelGamePort  int       `json:"tunnel_game_port"`
	TunnelQueryPort int       `json:"tunnel_query_port,omitempty"`
	Token           string    `json:"token"`
	IsRunning       bool      `json:"is_running"`
	CreatedAt       time.Time `json:"created_at"`
}

type CreateInstanceResponse struct {
	OK       bool            `json:"ok"`
	Instance InstancePayload `json:"instance"`
}

type GetInstanceResponse = CreateInstanceResponse

type InstanceListResponse struct {
	OK        bool              `json:"ok"`
	Instances []InstancePayload `json:"instances"`
}

type DeleteInstanceResponse struct {
	OK       bool   `json:"ok"`
	ServerID string `json:"server_id"`
}

type ClientConfigResponse struct {
	OK       bool   `json:"ok"`
	ServerID string `json:"server_id"`
	Config   string `json:"config"`
}

type ShutdownAllResponse struct {
	OK        bool     `json:"ok"`
	Removed   []string `json:"removed"`
	Remaining []string `json:"remaining"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Uptime          int64  `json:"uptime_seconds"`
	ActiveInstances int    `json:"active_instances"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
