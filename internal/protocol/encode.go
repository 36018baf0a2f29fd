package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encode renders a message as a text frame. Variants that were decoded
// from the wire re-encode to their original bytes.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Hello:
		return json.Marshal(struct {
			Type  Type   `json:"type"`
			Role  string `json:"role"`
			Token string `json:"token"`
		}{TypeHello, v.Role, v.Token})
	case HelloAck:
		return json.Marshal(struct {
			Type  Type   `json:"type"`
			Role  string `json:"role"`
			Token string `json:"token"`
		}{TypeHelloAck, v.Role, v.Token})
	case Control:
		return json.Marshal(struct {
			Type   Type   `json:"type"`
			Action Action `json:"action"`
		}{TypeControl, v.Action})
	case Status:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return json.Marshal(struct {
			Type      Type   `json:"type"`
			Value     string `json:"value,omitempty"`
			Timestamp int64  `json:"timestamp,omitempty"`
			Scanning  *bool  `json:"scanning,omitempty"`
			Frames    *int   `json:"frames,omitempty"`
			Keyframes *int   `json:"keyframes,omitempty"`
			DepthOK   *bool  `json:"depthOK,omitempty"`
		}{TypeStatus, v.Value, v.Timestamp, v.Scanning, v.Frames, v.Keyframes, v.DepthOK})
	case ChunkUploaded:
		return json.Marshal(struct {
			Type    Type   `json:"type"`
			ChunkID string `json:"chunkId"`
			Count   int    `json:"count"`
		}{TypeChunkUploaded, v.ChunkID, v.Count})
	case ExportReady:
		return json.Marshal(struct {
			Type      Type   `json:"type"`
			MeshPath  string `json:"meshPath"`
			Vertices  int    `json:"vertices"`
			Triangles int    `json:"triangles"`
		}{TypeExportReady, v.MeshPath, v.Vertices, v.Triangles})
	case RoomUpdate:
		return rawOrTyped(TypeRoomUpdate, v.Raw)
	case MeshUpdate:
		return rawOrTyped(TypeMeshUpdate, v.Raw)
	case Instruction:
		return rawOrTyped(TypeInstruction, v.Raw)
	case PhoneStatus:
		return rawOrTyped(TypePhoneStatus, v.Raw)
	case Unrecognized:
		return rawOrTyped(v.Type, v.Raw)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
}

func rawOrTyped(t Type, raw json.RawMessage) ([]byte, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	return json.Marshal(envelope{Type: t})
}

// PhoneStatusEvent is the relay-originated producer presence status.
func PhoneStatusEvent(connected bool, at time.Time) Status {
	v := StatusPhoneDisconnected
	if connected {
		v = StatusPhoneConnected
	}
	return Status{Value: v, Timestamp: at.UnixMilli()}
}

// MustEncode is for relay-built messages whose encoding cannot fail.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}
