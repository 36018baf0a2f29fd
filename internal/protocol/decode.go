package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type Type `json:"type"`
}

type helloPayload struct {
	Role  *string `json:"role"`
	Token *string `json:"token"`
}

type statusPayload struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Scanning  *bool  `json:"scanning"`
	Frames    *int   `json:"frames"`
	Keyframes *int   `json:"keyframes"`
	DepthOK   *bool  `json:"depthOK"`
}

// PeekType returns the "type" tag of data without validating the rest of
// the message, or "" when data carries none.
func PeekType(data []byte) Type {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}

// Decode parses one text frame. It fails only when data is not a JSON
// object with a string "type" or when a known variant has the wrong shape.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	raw := json.RawMessage(append([]byte(nil), data...))

	switch env.Type {
	case TypeHello, TypeHelloAck:
		var p helloPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
		if p.Role == nil || p.Token == nil {
			return nil, fmt.Errorf("%w: %s: missing role or token", ErrMalformed, env.Type)
		}
		if env.Type == TypeHelloAck {
			return HelloAck{Role: *p.Role, Token: *p.Token}, nil
		}
		return Hello{Role: *p.Role, Token: *p.Token}, nil

	case TypeControl:
		var p struct {
			Action Action `json:"action"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: control: %v", ErrMalformed, err)
		}
		return Control{Action: p.Action}, nil

	case TypeStatus:
		var p statusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: status: %v", ErrMalformed, err)
		}
		return Status{
			Value:     p.Value,
			Timestamp: p.Timestamp,
			Scanning:  p.Scanning,
			Frames:    p.Frames,
			Keyframes: p.Keyframes,
			DepthOK:   p.DepthOK,
			Raw:       raw,
		}, nil

	case TypeChunkUploaded:
		var p struct {
			ChunkID string `json:"chunkId"`
			Count   int    `json:"count"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: chunk_uploaded: %v", ErrMalformed, err)
		}
		return ChunkUploaded{ChunkID: p.ChunkID, Count: p.Count}, nil

	case TypeExportReady:
		var p struct {
			MeshPath  string `json:"meshPath"`
			Vertices  int    `json:"vertices"`
			Triangles int    `json:"triangles"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: export_ready: %v", ErrMalformed, err)
		}
		return ExportReady{MeshPath: p.MeshPath, Vertices: p.Vertices, Triangles: p.Triangles}, nil

	case TypeRoomUpdate:
		return RoomUpdate{Raw: raw}, nil
	case TypeMeshUpdate:
		return MeshUpdate{Raw: raw}, nil
	case TypeInstruction:
		return Instruction{Raw: raw}, nil
	case TypePhoneStatus:
		return PhoneStatus{Raw: raw}, nil
	default:
		return Unrecognized{Type: env.Type, Raw: raw}, nil
	}
}
