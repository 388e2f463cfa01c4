package domain

import (
	"fmt"
	"strings"
)

// ModuleID names one of the service modules the dispatcher can route to.
type ModuleID string

const (
	ModuleLinks      ModuleID = "links"
	ModuleRedirector ModuleID = "redirector"
	ModuleAnalytics  ModuleID = "analytics"
)

// Modules lists every known module in a stable order.
func Modules() []ModuleID {
	return []ModuleID{ModuleLinks, ModuleRedirector, ModuleAnalytics}
}

// Valid reports whether m is one of the known modules.
func (m ModuleID) Valid() bool {
	switch m {
	case ModuleLinks, ModuleRedirector, ModuleAnalytics:
		return true
	default:
		return false
	}
}

// Prefix returns the public path prefix the module is served under.
func (m ModuleID) Prefix() string {
	switch m {
	case ModuleLinks:
		return "/links"
	case ModuleRedirector:
		return "/r"
	case ModuleAnalytics:
		return "/analytics"
	default:
		return ""
	}
}

// ParseModuleID validates a module name.
func ParseModuleID(name string) (ModuleID, error) {
	id := ModuleID(strings.ToLower(strings.TrimSpace(name)))
	if !id.Valid() {
		return "", fmt.Errorf("unknown module %q", name)
	}
	return id, nil
}

// Mode is the execution topology of a module.
type Mode int

const (
	// Monolith serves requests in the dispatcher process.
	Monolith Mode = iota
	// Microservice forwards requests to a dedicated worker process.
	Microservice
)

func (m Mode) String() string {
	switch m {
	case Monolith:
		return "monolith"
	case Microservice:
		return "microservice"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText renders the mode name in JSON payloads.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "monolith":
		*m = Monolith
	case "microservice":
		*m = Microservice
	default:
		return fmt.Errorf("unknown mode %q", text)
	}
	return nil
}
