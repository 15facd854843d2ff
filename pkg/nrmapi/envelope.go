// Package nrmapi defines the wire messages exchanged on the daemon's three
// channels (upstream RPC, upstream publish, downstream event), per
// spec.md §4.1. Every frame is UTF-8 JSON carrying an "api" and "type" tag;
// nothing here ever changes shape based on a protocol version beyond those
// two tags.
package nrmapi

import "encoding/json"

// API names a logical channel.
type API string

const (
	APIUpRPCReq    API = "up_rpc_req"
	APIUpRPCRep    API = "up_rpc_rep"
	APIUpPub       API = "up_pub"
	APIDownEvent   API = "down_event"
)

// Envelope is the common header every wire frame carries. Handlers decode
// the envelope first, validate it against the schema for (Api, Type), then
// decode the full typed payload.
type Envelope struct {
	Api  API    `json:"api"`
	Type string `json:"type"`
}

// Message is implemented by every typed payload so encoders can recover the
// envelope fields without reflection.
type Message interface {
	Envelope() Envelope
}

// RPC requests (client -> daemon, api=up_rpc_req).

type ListRequest struct{}

func (ListRequest) Envelope() Envelope { return Envelope{APIUpRPCReq, "list"} }

type RunRequest struct {
	Manifest      string            `json:"manifest"`
	Path          string            `json:"path"`
	Args          []string          `json:"args"`
	ContainerUUID string            `json:"container_uuid"`
	Environ       map[string]string `json:"environ"`
}

func (RunRequest) Envelope() Envelope { return Envelope{APIUpRPCReq, "run"} }

type KillRequest struct {
	ContainerUUID string `json:"container_uuid"`
}

func (KillRequest) Envelope() Envelope { return Envelope{APIUpRPCReq, "kill"} }

type SetPowerRequest struct {
	Limit string `json:"limit"`
}

func (SetPowerRequest) Envelope() Envelope { return Envelope{APIUpRPCReq, "setpower"} }

// RPC replies (daemon -> client, api=up_rpc_rep).

type ContainerEntry struct {
	UUID string   `json:"uuid"`
	PIDs []int    `json:"pids"`
}

type ListReply struct {
	Payload []ContainerEntry `json:"payload"`
}

func (ListReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "list"} }

type StdoutReply struct {
	ContainerUUID string `json:"container_uuid"`
	Payload       string `json:"payload"`
}

func (StdoutReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "stdout"} }

type StderrReply struct {
	ContainerUUID string `json:"container_uuid"`
	Payload       string `json:"payload"`
}

func (StderrReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "stderr"} }

type ProcessStartReply struct {
	ContainerUUID string `json:"container_uuid"`
	PID           int    `json:"pid"`
}

func (ProcessStartReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "process_start"} }

type ProcessExitReply struct {
	ContainerUUID string `json:"container_uuid"`
	Status        string `json:"status"`
}

func (ProcessExitReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "process_exit"} }

type GetPowerReply struct {
	Limit string `json:"limit"`
}

func (GetPowerReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "getpower"} }

// ErrorReply is sent in place of the normal reply when an RPC fails; it is
// not part of spec.md's named reply list but is how ManifestInvalid/
// ResourceExhausted/RuntimeFailure (§7) reach the client.
type ErrorReply struct {
	ContainerUUID string `json:"container_uuid,omitempty"`
	Errno         int    `json:"errno"`
	Message       string `json:"message"`
}

func (ErrorReply) Envelope() Envelope { return Envelope{APIUpRPCRep, "error"} }

// Publish messages (daemon -> all subscribers, api=up_pub).

type PowerPublish struct {
	Total float64 `json:"total"`
	Limit float64 `json:"limit"`
}

func (PowerPublish) Envelope() Envelope { return Envelope{APIUpPub, "power"} }

type ContainerStartPublish struct {
	ContainerUUID string         `json:"container_uuid"`
	Errno         int            `json:"errno"`
	Power         map[string]any `json:"power"`
}

func (ContainerStartPublish) Envelope() Envelope { return Envelope{APIUpPub, "container_start"} }

type ContainerExitPublish struct {
	ContainerUUID string         `json:"container_uuid"`
	ProfileData   map[string]any `json:"profile_data"`
}

func (ContainerExitPublish) Envelope() Envelope { return Envelope{APIUpPub, "container_exit"} }

type PerformancePublish struct {
	ContainerUUID string          `json:"container_uuid"`
	Payload       json.RawMessage `json:"payload"`
}

func (PerformancePublish) Envelope() Envelope { return Envelope{APIUpPub, "performance"} }

type ProgressPublish struct {
	ApplicationUUID string          `json:"application_uuid"`
	Payload         json.RawMessage `json:"payload"`
}

func (ProgressPublish) Envelope() Envelope { return Envelope{APIUpPub, "progress"} }

type ControlPublish struct {
	PowerCap     float64 `json:"powercap"`
	Power        float64 `json:"power"`
	Performance  float64 `json:"performance"`
	ControlTime  float64 `json:"control_time"`
	FeedbackTime float64 `json:"feedback_time"`
}

func (ControlPublish) Envelope() Envelope { return Envelope{APIUpPub, "control"} }

// Downstream events (instrumented application -> daemon, api=down_event).

type ApplicationStartEvent struct {
	ContainerUUID   string `json:"container_uuid"`
	ApplicationUUID string `json:"application_uuid"`
}

func (ApplicationStartEvent) Envelope() Envelope { return Envelope{APIDownEvent, "application_start"} }

type ApplicationExitEvent struct {
	ApplicationUUID string `json:"application_uuid"`
}

func (ApplicationExitEvent) Envelope() Envelope { return Envelope{APIDownEvent, "application_exit"} }

type PerformanceEvent struct {
	Payload         json.RawMessage `json:"payload"`
	ApplicationUUID string          `json:"application_uuid"`
	ContainerUUID   string          `json:"container_uuid"`
}

func (PerformanceEvent) Envelope() Envelope { return Envelope{APIDownEvent, "performance"} }

type ProgressEvent struct {
	Payload         json.RawMessage `json:"payload"`
	ApplicationUUID string          `json:"application_uuid"`
	ContainerUUID   string          `json:"container_uuid"`
}

func (ProgressEvent) Envelope() Envelope { return Envelope{APIDownEvent, "progress"} }

type PhaseContextEvent struct {
	CPU             int     `json:"cpu"`
	Aggregation     int     `json:"aggregation"`
	ComputeTime     float64 `json:"computetime"`
	TotalTime       float64 `json:"totaltime"`
	ApplicationUUID string  `json:"application_uuid"`
}

func (PhaseContextEvent) Envelope() Envelope { return Envelope{APIDownEvent, "phase_context"} }
