package tool

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/petalstream/core"
)

const (
	defaultInitTimeout = 10 * time.Second
	defaultCallTimeout = 60 * time.Second
)

// ProviderSpec is one entry of the provider configuration list. The gateway
// treats it as opaque input supplied at session start.
type ProviderSpec struct {
	Name string
	Kind core.TransportKind

	// Process transport.
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Network-stream transport.
	Endpoint string
	Headers  map[string]string

	// Prefix qualifies every tool name from this provider as prefix__name.
	Prefix string

	InitTimeout time.Duration
	CallTimeout time.Duration
}

// Validate checks that the spec names a usable transport.
func (s ProviderSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("tool: provider name is required")
	}
	switch s.Kind {
	case core.TransportProcess:
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("tool: provider %q: process transport requires command", s.Name)
		}
	case core.TransportNetworkStream:
		if strings.TrimSpace(s.Endpoint) == "" {
			return fmt.Errorf("tool: provider %q: network_stream transport requires endpoint", s.Name)
		}
	default:
		return fmt.Errorf("tool: provider %q: unsupported transport kind %q", s.Name, s.Kind)
	}
	return nil
}

func (s ProviderSpec) withDefaults() ProviderSpec {
	out := s
	if out.InitTimeout <= 0 {
		out.InitTimeout = defaultInitTimeout
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = defaultCallTimeout
	}
	return out
}
