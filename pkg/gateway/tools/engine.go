package tools

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/vango-go/vai-live-bridge/pkg/gateway/tools"

// ErrorResponseText is spoken back to the user whenever a tool fails.
const ErrorResponseText = "I encountered an issue while processing your request. Please try again or contact support if the problem persists."

// ToolExecutionError is a failed or panicking tool call. It never leaves
// Resolve; it is logged and recorded on the span.
type ToolExecutionError struct {
	Tool  string
	Cause error
}

func (e *ToolExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorPayload is the standardized response for unknown or failing tools.
func ErrorPayload() map[string]any {
	return map[string]any{
		"action": "finalize_response",
		"action_input": map[string]any{
			"action":       "answer",
			"action_data":  nil,
			"responseText": ErrorResponseText,
		},
	}
}

type Engine struct {
	Registry *Registry
	Logger   *zap.Logger
	Tracer   trace.Tracer
	// Timeout bounds a single tool invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
}

func NewEngine(registry *Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Registry: registry,
		Logger:   logger,
		Tracer:   otel.Tracer(tracerName),
	}
}

// Resolve invokes the named tool. It never returns an error: unknown tools,
// returned errors and panics all produce ErrorPayload.
func (e *Engine) Resolve(ctx context.Context, name string, args map[string]any) map[string]any {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "tools.resolve", trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	tool, ok := e.Registry.Lookup(name)
	if !ok {
		err := &ToolExecutionError{Tool: name, Cause: fmt.Errorf("unknown tool")}
		e.fail(span, err)
		return ErrorPayload()
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	result, err := invoke(ctx, tool, args)
	if err != nil {
		e.fail(span, &ToolExecutionError{Tool: name, Cause: err})
		return ErrorPayload()
	}
	span.SetStatus(codes.Ok, "")
	return normalize(result)
}

func (e *Engine) fail(span trace.Span, err *ToolExecutionError) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if e.Logger != nil {
		e.Logger.Error("tool execution failed", zap.String("tool", err.Tool), zap.Error(err.Cause))
	}
}

func invoke(ctx context.Context, tool Tool, args map[string]any) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return tool.Func(ctx, args)
}

func normalize(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return map[string]any{"result": v}
}
