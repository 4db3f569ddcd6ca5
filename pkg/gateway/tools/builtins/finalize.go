// Package builtins holds the session tools every live agent gets.
package builtins

import (
	"context"
	"fmt"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
)

const (
	ToolFinalizeResponse = "finalize_response"
	ToolSaveLead         = "save_lead"
)

var finalizeActions = map[string]struct{}{
	"answer":        {},
	"navigate-url":  {},
	"navigate-tour": {},
	"end":           {},
}

// FinalizeResponse structures the agent's final answer for the frontend.
func FinalizeResponse() tools.Tool {
	return tools.Tool{
		Name:        ToolFinalizeResponse,
		Description: "Wrap every final answer for the frontend application.",
		Parameters: &realtime.Schema{
			Type: "object",
			Properties: map[string]*realtime.Schema{
				"action":       {Type: "string", Description: "One of answer, navigate-url, navigate-tour, end."},
				"responseText": {Type: "string", Description: "Text spoken to the user."},
				"action_data":  {Type: "object", Description: "Extra data for the action, such as a URL."},
			},
			Required: []string{"action", "responseText"},
		},
		Func: finalize,
	}
}

func finalize(_ context.Context, args map[string]any) (any, error) {
	action, ok := tools.StringArg(args, "action")
	if !ok {
		return nil, fmt.Errorf("action is required")
	}
	if _, known := finalizeActions[action]; !known {
		return nil, fmt.Errorf("unsupported action %q", action)
	}
	text, _ := args["responseText"].(string)

	var data any
	if v, ok := args["action_data"]; ok {
		data = v
	}
	return map[string]any{
		"action":       action,
		"action_data":  data,
		"responseText": text,
	}, nil
}
