// Package model defines the data structures shared by the service, storage and
// HTTP layers. They carry json tags because handlers serialize them directly.
package model

import (
	"time"

	"github.com/sakif/pyhost/internal/interpreter"
)

// Interpreter is a registered Python interpreter and what it last reported
// about itself.
//
// Path is what the user registered (possibly a shim or launcher); Executable is
// the binary that actually runs, as resolved at the last refresh. Path is unique
// across the registry.
type Interpreter struct {
	ID           string                   `json:"id"`
	Path         string                   `json:"path"`
	Executable   string                   `json:"executable"`
	Architecture interpreter.Architecture `json:"architecture"`
	Version      string                   `json:"version"`
	VersionInfo  interpreter.VersionInfo  `json:"versionInfo"`
	SysVersion   string                   `json:"sysVersion"`
	SysPrefix    string                   `json:"sysPrefix"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// Apply copies a fresh discovery result onto the record. Identity and
// timestamps are left alone.
func (i *Interpreter) Apply(info interpreter.Information, executable string) {
	i.Executable = executable
	i.Architecture = info.Architecture
	i.Version = info.Version
	i.VersionInfo = info.VersionInfo
	i.SysVersion = info.SysVersion
	i.SysPrefix = info.SysPrefix
}
