package realtime

import "context"

// Hub and event names used across the pipeline. Every event is published on
// the single options hub; clients filter by target.
const (
	HubName = "spyoptions"

	EventAnomaly = "anomalyDetected"
	EventVolume  = "volumeUpdate"
	EventFlow    = "flow"
	EventPrice   = "price"
)

// Broadcaster publishes a named event with one JSON payload to every
// connected client.
type Broadcaster interface {
	Broadcast(ctx context.Context, target string, payload any) error
}

// message is the wire envelope: a target name and a single-element argument
// list carrying the payload.
type message struct {
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}
