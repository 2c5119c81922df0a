package capture

import (
	"runtime"

	"github.com/snaptrace/agent-go/pkg/breakpoint"
)

// RuntimeInfo describes the Go runtime at capture time.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// CurrentRuntimeInfo samples the running process.
func CurrentRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

// ProcessContext identifies the process a record came from. It is set once
// at engine construction and stamped onto every record.
type ProcessContext struct {
	AgentID     string      `json:"agent_id"`
	Environment string      `json:"environment"`
	Hostname    string      `json:"hostname"`
	RuntimeInfo RuntimeInfo `json:"runtime_info"`
}

// Record is one breakpoint snapshot. Immutable once built; ownership
// passes to the transport on hand-off.
type Record struct {
	ID             string              `json:"id"`
	Key            breakpoint.Key      `json:"key"`
	CapturedAt     string              `json:"captured_at"`
	Variables      map[string]Variable `json:"variables"`
	RequestContext map[string]any      `json:"request_context,omitempty"`
	ProcessContext ProcessContext      `json:"process_context"`
	StackTrace     []StackFrame        `json:"stack_trace,omitempty"`
}
