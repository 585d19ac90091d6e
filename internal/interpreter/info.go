package interpreter

import (
	"encoding/json"
	"fmt"
	"math"
)

// Architecture is the pointer width the interpreter was built for.
type Architecture string

const (
	X64 Architecture = "x64"
	X86 Architecture = "x86"
)

// ReleaseLevel mirrors sys.version_info.releaselevel.
type ReleaseLevel string

const (
	Alpha     ReleaseLevel = "alpha"
	Beta      ReleaseLevel = "beta"
	Candidate ReleaseLevel = "candidate"
	Final     ReleaseLevel = "final"
	Unknown   ReleaseLevel = "unknown"
)

// VersionInfo is the sanitized form of sys.version_info.
type VersionInfo struct {
	Major        int          `json:"major"`
	Minor        int          `json:"minor"`
	Micro        int          `json:"micro"`
	ReleaseLevel ReleaseLevel `json:"releaseLevel"`
	Serial       int          `json:"serial"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d-%s", v.Major, v.Minor, v.Micro, v.ReleaseLevel)
}

// Information describes an interpreter as reported by the interpreter itself.
type Information struct {
	Architecture Architecture `json:"architecture"`
	Path         string       `json:"path"`
	Version      string       `json:"version"`
	VersionInfo  VersionInfo  `json:"versionInfo"`
	SysVersion   string       `json:"sysVersion"`
	SysPrefix    string       `json:"sysPrefix"`
}

// helperOutput is what pythonFiles/interpreterInfo.py prints. Changing these
// field names breaks every deployed helper script.
type helperOutput struct {
	VersionInfo []json.RawMessage `json:"versionInfo"`
	SysPrefix   string            `json:"sysPrefix"`
	SysVersion  string            `json:"sysVersion"`
	Is64Bit     bool              `json:"is64Bit"`
}

// parseHelperOutput decodes the helper's stdout into an Information, leaving
// Path and Version for the caller.
func parseHelperOutput(stdout string) (Information, error) {
	var out helperOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		return Information{}, fmt.Errorf("parsing interpreter info: %w", err)
	}

	arch := X86
	if out.Is64Bit {
		arch = X64
	}
	return Information{
		Architecture: arch,
		VersionInfo:  sanitizeVersionInfo(out.VersionInfo),
		SysVersion:   out.SysVersion,
		SysPrefix:    out.SysPrefix,
	}, nil
}

// sanitizeVersionInfo keeps only values that are safe to report: integer
// components (anything else becomes 0) and a known release level (anything
// else becomes "unknown"). Free text never reaches telemetry this way.
func sanitizeVersionInfo(raw []json.RawMessage) VersionInfo {
	at := func(i int) json.RawMessage {
		if i < len(raw) {
			return raw[i]
		}
		return nil
	}
	return VersionInfo{
		Major:        numberOrZero(at(0)),
		Minor:        numberOrZero(at(1)),
		Micro:        numberOrZero(at(2)),
		ReleaseLevel: releaseLevel(at(3)),
		Serial:       numberOrZero(at(4)),
	}
}

func numberOrZero(raw json.RawMessage) int {
	var f float64
	// Unmarshal into float64 only accepts JSON numbers; "3" stays a string.
	if raw == nil || json.Unmarshal(raw, &f) != nil {
		return 0
	}
	// Version components are integers; 3.7 is as meaningless as "x".
	if f < math.MinInt32 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 0
	}
	return int(f)
}

func releaseLevel(raw json.RawMessage) ReleaseLevel {
	var s string
	if raw == nil || json.Unmarshal(raw, &s) != nil {
		return Unknown
	}
	switch lvl := ReleaseLevel(s); lvl {
	case Alpha, Beta, Candidate, Final:
		return lvl
	default:
		return Unknown
	}
}
