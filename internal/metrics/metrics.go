// Package metrics keeps relay counters in a go-metrics registry.
package metrics

import (
	"bytes"
	"encoding/json"

	gometrics "github.com/rcrowley/go-metrics"
)

const (
	Frames             = "relay.frames"
	FramesDropped      = "relay.frames.dropped"
	JSONRelayed        = "relay.json"
	ControlRelayed     = "relay.control"
	ProtocolViolations = "relay.protocol_violations"
	Connections        = "relay.connections"
	Sessions           = "relay.sessions"
	Evictions          = "liveness.evictions"
	UploadsAccepted    = "upload.accepted"
	UploadsRejected    = "upload.rejected"
)

type Metrics struct {
	reg gometrics.Registry
}

func New() *Metrics {
	return &Metrics{reg: gometrics.NewRegistry()}
}

func (m *Metrics) Incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *Metrics) Decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m *Metrics) Count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

// Snapshot returns the current registry as a decoded JSON object.
func (m *Metrics) Snapshot() (map[string]any, error) {
	var buf bytes.Buffer
	gometrics.WriteJSONOnce(m.reg, &buf)
	out := make(map[string]any)
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, err
	}
	return out, nil
}
