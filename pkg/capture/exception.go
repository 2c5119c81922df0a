package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Exception is a captured error with its stack trace and surrounding
// variables. Same redaction guarantees as snapshot records.
type Exception struct {
	ID             string              `json:"id"`
	ExceptionType  string              `json:"exception_type"`
	Message        string              `json:"message"`
	Fingerprint    string              `json:"fingerprint"`
	StackTrace     []StackFrame        `json:"stack_trace"`
	LocalVariables map[string]Variable `json:"local_variables"`
	Context        map[string]any      `json:"context"`
	CapturedAt     string              `json:"captured_at"`
	ProcessContext ProcessContext      `json:"process_context"`
}

// CaptureError builds an exception record for err with an optional
// context bag. The bag is redacted before anything leaves the engine.
func (e *Engine) CaptureError(err error, ctx map[string]any) *Exception {
	if err == nil {
		return nil
	}

	stackTrace := captureStackTrace(3)
	redactedCtx := e.filter.Redact(ctx)

	vars := make(map[string]Variable, len(redactedCtx))
	for name, value := range redactedCtx {
		vars[name] = CaptureValue(name, value, e.limits)
	}

	// Fields pulled off the error itself bypass the context bag, so they
	// get the same tree redaction as snapshot variables.
	extracted := make(map[string]Variable)
	extractErrorFields(err, extracted, e.limits)
	extractWrappedErrors(err, extracted, e.limits)
	extracted, extractedRedactions := redactVariables(e.filter, extracted)
	for name, v := range extracted {
		vars[name] = v
	}

	if n := e.filter.RedactedCount(ctx) + extractedRedactions; n > 0 {
		e.metrics.Redactions.Add(float64(n))
	}

	exc := &Exception{
		ID:             uuid.New().String(),
		ExceptionType:  errorType(err),
		Message:        err.Error(),
		Fingerprint:    fingerprint(err, stackTrace),
		StackTrace:     stackTrace,
		LocalVariables: vars,
		Context:        redactedCtx,
		CapturedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		ProcessContext: e.process,
	}

	e.metrics.ExceptionsCaptured.Inc()
	if e.sender != nil {
		e.sender.SendException(exc)
	}

	e.logger.Debug("exception captured",
		zap.String("type", exc.ExceptionType),
		zap.String("fingerprint", exc.Fingerprint))

	return exc
}

// extractErrorFields pulls exported fields off a struct-shaped error so
// the dashboard can show them without source access.
func extractErrorFields(err error, vars map[string]Variable, limits Limits) {
	v := reflect.ValueOf(err)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := 0; i < t.NumField() && i < 50; i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := v.Field(i)
		if !fv.CanInterface() {
			continue
		}
		name := "err." + field.Name
		vars[name] = CaptureValue(name, fv.Interface(), limits)
	}
}

// extractWrappedErrors records the unwrap chain: single wrap, multi-error
// wrap, and pkg/errors-style Cause.
func extractWrappedErrors(err error, vars map[string]Variable, limits Limits) {
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		if inner := unwrapper.Unwrap(); inner != nil {
			vars["wrapped_error"] = Variable{
				Name:  "wrapped_error",
				Type:  errorType(inner),
				Value: inner.Error(),
			}
			extractErrorFields(inner, vars, limits)
		}
	}

	if multiUnwrapper, ok := err.(interface{ Unwrap() []error }); ok {
		errs := multiUnwrapper.Unwrap()
		if len(errs) > 0 {
			elements := make([]Variable, 0, len(errs))
			for i, inner := range errs {
				if i >= 10 {
					break
				}
				elements = append(elements, Variable{
					Name:  fmt.Sprintf("[%d]", i),
					Type:  errorType(inner),
					Value: inner.Error(),
				})
			}
			length := len(errs)
			vars["wrapped_errors"] = Variable{
				Name:          "wrapped_errors",
				Type:          "[]error",
				Value:         fmt.Sprintf("[%d errors]", length),
				ArrayElements: elements,
				ArrayLength:   &length,
			}
		}
	}

	if causer, ok := err.(interface{ Cause() error }); ok {
		if cause := causer.Cause(); cause != nil {
			vars["cause"] = Variable{
				Name:  "cause",
				Type:  errorType(cause),
				Value: cause.Error(),
			}
		}
	}
}

// fingerprint groups recurrences of the same failure: error type plus the
// top non-native frames.
func fingerprint(err error, stackTrace []StackFrame) string {
	parts := []string{errorType(err)}

	added := 0
	for _, frame := range stackTrace {
		if added >= 5 {
			break
		}
		if frame.IsNative {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d", frame.MethodName, frame.LineNumber))
		added++
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(hash[:8])
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}
