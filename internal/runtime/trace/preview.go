package trace

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	jsoncodec "github.com/ipcflow/ipcflow/internal/runtime/jsoncodec"
)

// PreviewMode controls how much payload content is retained on trace events.
type PreviewMode string

const (
	PreviewModeNone     PreviewMode = "none"
	PreviewModeRedacted PreviewMode = "redacted"
	PreviewModeFull     PreviewMode = "full"
)

// maxPreviewBytes caps how much payload data a full preview may carry.
const maxPreviewBytes = 4096

var currentMode atomic.Value

func init() {
	currentMode.Store(PreviewModeRedacted)
}

// CurrentPreviewMode returns the process-wide preview mode.
func CurrentPreviewMode() PreviewMode {
	return currentMode.Load().(PreviewMode)
}

// SetPreviewMode changes the process-wide preview mode. Unknown values are
// ignored and the previous mode kept.
func SetPreviewMode(mode PreviewMode) {
	switch mode {
	case PreviewModeNone, PreviewModeRedacted, PreviewModeFull:
		currentMode.Store(mode)
	}
}

// ParsePreviewMode maps a wire string onto a PreviewMode.
func ParsePreviewMode(s string) (PreviewMode, bool) {
	switch PreviewMode(s) {
	case PreviewModeNone, PreviewModeRedacted, PreviewModeFull:
		return PreviewMode(s), true
	}
	return "", false
}

// Preview is a lossy, size-capped rendering of a payload. Which fields are
// populated depends on the mode that was current when it was generated.
type Preview struct {
	Mode    PreviewMode     `json:"mode"`
	Bytes   int             `json:"bytes,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// MakePreview renders payload under the current process-wide mode.
func MakePreview(payload []byte) *Preview {
	return makePreview(payload, CurrentPreviewMode())
}

func makePreview(payload []byte, mode PreviewMode) *Preview {
	p := &Preview{Mode: mode}
	if mode == PreviewModeNone {
		return p
	}

	p.Bytes = len(payload)
	p.Summary = summarize(payload)
	if mode == PreviewModeFull && len(payload) > 0 && len(payload) <= maxPreviewBytes && jsoncodec.Valid(payload) {
		p.Data = json.RawMessage(payload)
	}
	return p
}

// Size returns the byte count the preview stands for. Previews generated in
// none mode carry no size, so this can be zero even for non-empty payloads.
func (p *Preview) Size() int {
	if p == nil {
		return 0
	}
	return p.Bytes
}

func summarize(payload []byte) string {
	if len(payload) == 0 {
		return "empty"
	}

	var value any
	if err := jsoncodec.Unmarshal(payload, &value); err != nil {
		return fmt.Sprintf("binary(%d bytes)", len(payload))
	}

	switch v := value.(type) {
	case map[string]any:
		return fmt.Sprintf("object(%d keys)", len(v))
	case []any:
		return fmt.Sprintf("array(%d items)", len(v))
	case string:
		return fmt.Sprintf("string(%d chars)", len(v))
	case float64:
		return "number"
	case bool:
		return "bool"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
