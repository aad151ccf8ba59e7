package mcp

import "fmt"

// Kind is one of the three capability kinds an MCP server can offer.
type Kind int

const (
	KindTool Kind = iota
	KindPrompt
	KindResource
)

// Kinds lists every capability kind in display order.
var Kinds = []Kind{KindTool, KindPrompt, KindResource}

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tools"
	case KindPrompt:
		return "prompts"
	case KindResource:
		return "resources"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status records the outcome of listing one capability kind on one server.
type Status int

const (
	// StatusNotQueried means the kind has not been listed yet.
	StatusNotQueried Status = iota
	// StatusListed means the list call succeeded; the count may be zero.
	StatusListed
	// StatusUnsupported means the server does not offer the kind.
	StatusUnsupported
	// StatusFailed means the list call failed; the kind contributes nothing.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotQueried:
		return "not queried"
	case StatusListed:
		return "listed"
	case StatusUnsupported:
		return "unsupported"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// KindStatus is the per-server, per-kind listing result.
type KindStatus struct {
	Status Status
	Count  int
	Err    error
}

// Describe renders the status for people: "3 listed", "none advertised",
// "not supported", "failed: ...", or "none queried yet".
func (s KindStatus) Describe() string {
	switch s.Status {
	case StatusListed:
		if s.Count == 0 {
			return "none advertised"
		}
		return fmt.Sprintf("%d listed", s.Count)
	case StatusUnsupported:
		return "not supported"
	case StatusFailed:
		if s.Err != nil {
			return "failed: " + s.Err.Error()
		}
		return "failed"
	default:
		return "none queried yet"
	}
}
