package capture

import (
	"runtime"
	"strings"
)

const maxStackFrames = 50

// StackFrame is one frame of a captured call stack.
type StackFrame struct {
	MethodName      string `json:"method_name"`
	FileName        string `json:"file_name,omitempty"`
	FilePath        string `json:"file_path,omitempty"`
	LineNumber      int    `json:"line_number,omitempty"`
	PackageName     string `json:"package_name,omitempty"`
	IsNative        bool   `json:"is_native"`
	SourceAvailable bool   `json:"source_available"`
}

// captureStackTrace walks the caller's stack, skipping the given number of
// frames and any runtime internals.
func captureStackTrace(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip, pcs)
	pcs = pcs[:n]

	var frames []StackFrame
	iter := runtime.CallersFrames(pcs)
	for {
		frame, more := iter.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			frames = append(frames, StackFrame{
				MethodName:      extractFunctionName(frame.Function),
				FilePath:        frame.File,
				FileName:        extractFileName(frame.File),
				LineNumber:      frame.Line,
				PackageName:     extractPackageName(frame.Function),
				IsNative:        strings.HasPrefix(frame.File, "runtime/"),
				SourceAvailable: !strings.Contains(frame.File, "/pkg/mod/"),
			})
		}
		if !more || len(frames) >= maxStackFrames {
			break
		}
	}
	return frames
}

// CallerFunction returns the bare function name of the caller at the given
// skip depth. Used to derive the function half of a breakpoint key from
// the instrumentation call site.
func CallerFunction(skip int) string {
	pcs := make([]uintptr, 1)
	if runtime.Callers(skip, pcs) == 0 {
		return "unknown"
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	if frame.Function == "" {
		return "unknown"
	}
	return extractFunctionName(frame.Function)
}

func extractFunctionName(fullName string) string {
	parts := strings.Split(fullName, "/")
	last := parts[len(parts)-1]
	dotParts := strings.Split(last, ".")
	if len(dotParts) > 1 {
		return dotParts[len(dotParts)-1]
	}
	return last
}

func extractPackageName(fullName string) string {
	if idx := strings.LastIndex(fullName, "/"); idx >= 0 {
		fullName = fullName[idx+1:]
	}
	if idx := strings.Index(fullName, "."); idx >= 0 {
		return fullName[:idx]
	}
	return fullName
}

func extractFileName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
