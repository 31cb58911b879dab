// Package protocol defines the wire frames exchanged between the runtime
// and workers (the control and data protocols of spec.md §6), and between
// the runtime and its RPC clients. Frames are plain Go structs carried over
// gRPC streams using jsonCodec (codec.go) rather than generated protobuf
// bindings: the shapes below are the wire contract, in the same spirit as
// dwarri-gazette/message's JSONFraming, but framed over gRPC streams instead
// of a bufio.Reader.
package protocol

import "time"

// ControlFrame is the envelope for the three control-channel message kinds
// named in spec.md §6. Exactly one of the pointer fields is set.
type ControlFrame struct {
	Heartbeat  *Heartbeat  `json:"heartbeat,omitempty"`
	Terminate  *Terminate  `json:"terminate,omitempty"`
	Terminated *Terminated `json:"terminated,omitempty"`
	// Handshake is only ever sent once, as the worker's first frame.
	Handshake *Handshake `json:"handshake,omitempty"`
}

// Handshake is the first frame a freshly spawned worker sends on the control
// channel, declaring the UUID it was spawned with.
type Handshake struct {
	UUID    string `json:"uuid"`
	Session uint64 `json:"session"`
}

// Heartbeat carries no data; its arrival is the signal.
type Heartbeat struct{}

// Terminate is sent engine -> worker. The worker must drain and exit.
type Terminate struct {
	Reason string `json:"reason"`
}

// Terminated is the worker's final control frame.
type Terminated struct {
	Code int32 `json:"code"`
}

// DataFrame is the envelope for the worker data protocol: a channel maps to
// one Invoke, zero or more Chunks, and a terminal Choke or Error. The same
// envelope shape is used in both directions.
type DataFrame struct {
	ChannelID uint64         `json:"channel_id"`
	Invoke    *InvokeFrame   `json:"invoke,omitempty"`
	Chunk     *ChunkFrame    `json:"chunk,omitempty"`
	Choke     *ChokeFrame    `json:"choke,omitempty"`
	Error     *ErrorFrame    `json:"error,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// InvokeFrame opens a channel with an application event name.
type InvokeFrame struct {
	Event string `json:"event"`
}

// ChunkFrame carries a slice of the channel's byte stream.
type ChunkFrame struct {
	Bytes []byte `json:"bytes"`
}

// ChokeFrame terminates a channel successfully.
type ChokeFrame struct{}

// ErrorFrame terminates a channel with a failure. Kind follows the error
// kinds of spec.md §7 (see Kind below); Message is for operators/logs.
type ErrorFrame struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Kind enumerates the error kinds from spec.md §7, carried on the wire so a
// receiving peer or client can apply the right propagation policy without
// string-matching.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindCapacity      Kind = "capacity"
	KindNotFound      Kind = "not_found"
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindProtocol      Kind = "protocol"
	KindAuthorization Kind = "authorization"
)

// Recoverable reports whether Vicodyn's proxy dispatch (C10) may retry a
// backward error of this Kind on a different peer.
func (k Kind) Recoverable() bool { return k == KindTransport }

// StampedChunk pairs a forward DataFrame with its arrival time, used by the Forward
// Buffer (C9) to log forward frames in arrival order for replay.
type StampedChunk struct {
	Frame DataFrame
	At    time.Time
}
