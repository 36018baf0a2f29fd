package protocol

import (
	"encoding/json"
	"errors"
)

var ErrMalformed = errors.New("protocol: malformed message")

type Type string

const (
	TypeHello         Type = "hello"
	TypeHelloAck      Type = "hello_ack"
	TypeControl       Type = "control"
	TypeStatus        Type = "status"
	TypeRoomUpdate    Type = "room_update"
	TypeMeshUpdate    Type = "mesh_update"
	TypeInstruction   Type = "instruction"
	TypeChunkUploaded Type = "chunk_uploaded"
	TypePhoneStatus   Type = "phone_status"
	TypeExportReady   Type = "export_ready"
)

const (
	StatusPhoneConnected    = "phone_connected"
	StatusPhoneDisconnected = "phone_disconnected"
)

type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

func (a Action) Valid() bool { return a == ActionStart || a == ActionStop }

// Message is the closed set of decoded text messages.
type Message interface {
	Kind() Type
	isMessage()
}

type Hello struct {
	Role  string
	Token string
}

type HelloAck struct {
	Role  string
	Token string
}

type Control struct {
	Action Action
}

// Status is either relay-originated (Value set) or a producer scan report.
// Raw holds the producer's original bytes so relaying is verbatim.
type Status struct {
	Value     string
	Timestamp int64
	Scanning  *bool
	Frames    *int
	Keyframes *int
	DepthOK   *bool
	Raw       json.RawMessage
}

// Opaque producer payloads. The relay never looks inside them.
type (
	RoomUpdate  struct{ Raw json.RawMessage }
	MeshUpdate  struct{ Raw json.RawMessage }
	Instruction struct{ Raw json.RawMessage }
	PhoneStatus struct{ Raw json.RawMessage }
)

type ChunkUploaded struct {
	ChunkID string
	Count   int
}

type ExportReady struct {
	MeshPath  string
	Vertices  int
	Triangles int
}

// Unrecognized is a well-formed message with a tag this relay does not know.
type Unrecognized struct {
	Type Type
	Raw  json.RawMessage
}

func (Hello) Kind() Type          { return TypeHello }
func (HelloAck) Kind() Type       { return TypeHelloAck }
func (Control) Kind() Type        { return TypeControl }
func (Status) Kind() Type         { return TypeStatus }
func (RoomUpdate) Kind() Type     { return TypeRoomUpdate }
func (MeshUpdate) Kind() Type     { return TypeMeshUpdate }
func (Instruction) Kind() Type    { return TypeInstruction }
func (PhoneStatus) Kind() Type    { return TypePhoneStatus }
func (ChunkUploaded) Kind() Type  { return TypeChunkUploaded }
func (ExportReady) Kind() Type    { return TypeExportReady }
func (u Unrecognized) Kind() Type { return u.Type }

func (Hello) isMessage()         {}
func (HelloAck) isMessage()      {}
func (Control) isMessage()       {}
func (Status) isMessage()        {}
func (RoomUpdate) isMessage()    {}
func (MeshUpdate) isMessage()    {}
func (Instruction) isMessage()   {}
func (PhoneStatus) isMessage()   {}
func (ChunkUploaded) isMessage() {}
func (ExportReady) isMessage()   {}
func (Unrecognized) isMessage()  {}

// ProducerRelayable reports whether a producer may fan this type out to viewers.
func ProducerRelayable(t Type) bool {
	switch t {
	case TypeRoomUpdate, TypeMeshUpdate, TypeInstruction, TypeStatus:
		return true
	}
	return false
}
