// Package steps holds the record types an installation run produces.
package steps

import (
	"time"
)

type State string

const (
	Prepared            State = "Prepared"
	PackagesInstalled   State = "PackagesInstalled"
	ConfigsWritten      State = "ConfigsWritten"
	CertificatesBundled State = "CertificatesBundled"
	ServicesStarted     State = "ServicesStarted"
	Verified            State = "Verified"
	Failed              State = "Failed"

	// Reverted marks the undo records of an uninstall run.
	Reverted State = "Reverted"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failed"
	Skipped Outcome = "skipped"
)

// Kind classifies a failure.
type Kind string

const (
	KindNone                      Kind = ""
	KindPrecondition              Kind = "Precondition"
	KindPackageManagerUnavailable Kind = "PackageManagerUnavailable"
	KindConfigValidationFailed    Kind = "ConfigValidationFailed"
	KindServiceStartFailed        Kind = "ServiceStartFailed"
	KindPortConflict              Kind = "PortConflict"
	KindStrategyFailed            Kind = "StrategyFailed"
)

type Result struct {
	Step    State     `json:"step"`
	Service string    `json:"service,omitempty"`
	Tier    string    `json:"tier,omitempty"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	Kind    Kind      `json:"kind,omitempty"`
	At      time.Time `json:"at"`
}

func (r Result) Failed() bool { return r.Outcome == Failure }

// States returns the step sequence with consecutive repeats collapsed.
func States(rs []Result) []State {
	var out []State
	for _, r := range rs {
		if len(out) == 0 || out[len(out)-1] != r.Step {
			out = append(out, r.Step)
		}
	}
	return out
}
