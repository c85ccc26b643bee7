// Package collaboration arbitrates who drives a GOI session, the AI or
// the user, and compares what the user did while in control with the
// plan.
package collaboration

import (
	"github.com/c360studio/goi/goi"
	"github.com/c360studio/goi/goi/checkpoint"
)

// Mode is the collaboration mode of a session.
type Mode string

const (
	ModeManual   Mode = "manual"
	ModeAssisted Mode = "assisted"
	ModeAuto     Mode = "auto"
)

// DefaultMode is used when a session starts without a mode.
const DefaultMode = ModeAssisted

// ModeConfig is one row of the mode table.
type ModeConfig struct {
	Mode               Mode            `json:"mode"`
	CheckpointMode     checkpoint.Mode `json:"checkpointMode"`
	DefaultController  goi.Controller  `json:"defaultController"`
	AutoRunAfterResume bool            `json:"autoRunAfterResume"`
}

var modeTable = map[Mode]ModeConfig{
	ModeManual:   {Mode: ModeManual, CheckpointMode: checkpoint.ModeStep, DefaultController: goi.ControllerUser},
	ModeAssisted: {Mode: ModeAssisted, CheckpointMode: checkpoint.ModeSmart, DefaultController: goi.ControllerAI},
	ModeAuto:     {Mode: ModeAuto, CheckpointMode: checkpoint.ModeAuto, DefaultController: goi.ControllerAI, AutoRunAfterResume: true},
}

// LookupMode returns the configuration of a mode.
func LookupMode(m Mode) (ModeConfig, error) {
	cfg, ok := modeTable[m]
	if !ok {
		return ModeConfig{}, goi.NewValidationError(goi.CodeInvalidParam, "invalid collaboration mode %q", m)
	}
	return cfg, nil
}

// Modes returns the whole table in a stable order.
func Modes() []ModeConfig {
	return []ModeConfig{modeTable[ModeManual], modeTable[ModeAssisted], modeTable[ModeAuto]}
}
