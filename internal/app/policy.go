package app

import "github.com/dkeye/RoomScan/internal/core"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickMember
)

// Policy decides what happens to a viewer whose send queue is full.
type Policy interface {
	OnBackPressure(viewer core.Peer) BackpressureAction
}

type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(core.Peer) BackpressureAction {
	return p.Action
}

// ParsePolicy maps the slow_viewer_policy config value; anything but "kick" drops.
func ParsePolicy(name string) Policy {
	if name == "kick" {
		return SimplePolicy{Action: KickMember}
	}
	return SimplePolicy{Action: DropFrame}
}
