// Package agents coordinates long-lived WebSocket sessions with remote agents.
package agents

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with agents.
const (
	FrameRegister    = "register"
	FrameRegisterAck = "register_ack"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameCommand     = "command"
	FrameResponse    = "response"
	FrameEvent       = "event"
	FrameProgress    = "progress"
)

// Protocol version this coordinator speaks. Agents with a higher major
// version are rejected at registration.
const ProtoVersion = 2

// Frame is the JSON envelope for every message on an agent socket. ID is the
// correlation id linking a command to its response.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// RegisterPayload is the first frame an agent sends after connecting.
type RegisterPayload struct {
	Token        string   `json:"token"`
	EngineID     string   `json:"engine_id"`
	Hostname     string   `json:"hostname,omitempty"`
	Version      string   `json:"version"`
	ProtoVersion int      `json:"proto_version"`
	Capabilities []string `json:"capabilities,omitempty"`
	OS           string   `json:"os"`
	Arch         string   `json:"arch"`
}

// RegisterAckPayload is the coordinator's reply to a successful registration.
type RegisterAckPayload struct {
	AgentID string `json:"agent_id"`
	HostID  string `json:"host_id"`
}

// EventPayload carries an agent-observed event (container state change,
// digest observation) back to the control plane.
type EventPayload struct {
	Type          string         `json:"type"`
	ContainerID   string         `json:"container_id,omitempty"`
	ContainerName string         `json:"container_name,omitempty"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// ProgressPayload carries deployment or update progress from an agent. One
// of UpdateID or DeploymentID identifies the waiting operation.
type ProgressPayload struct {
	UpdateID     string  `json:"update_id,omitempty"`
	DeploymentID string  `json:"deployment_id,omitempty"`
	Stage        string  `json:"stage"`
	Progress     float64 `json:"progress"`
	Message      string  `json:"message,omitempty"`
}

// SelfUpdatePayload is the body of the self_update command. Native agents
// download BinaryURL; containerized agents pull Image.
type SelfUpdatePayload struct {
	Image     string `json:"image,omitempty"`
	BinaryURL string `json:"binary_url,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Version   string `json:"version"`
}
