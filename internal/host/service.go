package host

import (
	"path/filepath"
	"strings"
)

// ServiceDescriptor is the static description of a managed daemon.
type ServiceDescriptor struct {
	Name            string   `json:"name"`
	Unit            string   `json:"unit"`
	ListenPorts     []int    `json:"listenPorts"`
	ConfigPath      string   `json:"configPath,omitempty"`
	ValidateCommand []string `json:"validateCommand,omitempty"`
	// ProcessNames are the executable names allowed to hold ListenPorts.
	ProcessNames []string `json:"processNames,omitempty"`
}

// ValidateArgv returns the validate command with {config} substituted.
func (d ServiceDescriptor) ValidateArgv() []string {
	if len(d.ValidateCommand) == 0 {
		return nil
	}
	out := make([]string, len(d.ValidateCommand))
	for i, a := range d.ValidateCommand {
		out[i] = strings.ReplaceAll(a, "{config}", d.ConfigPath)
	}
	return out
}

// OwnsProcess reports whether a listener process name belongs to this service.
func (d ServiceDescriptor) OwnsProcess(name string) bool {
	base := filepath.Base(name)
	for _, p := range d.ProcessNames {
		if p == base {
			return true
		}
	}
	return false
}
