package builtins

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/tools"
)

type Lead struct {
	SessionID string
	Name      string
	Phone     string
	UnitCode  string
	Notes     string
	CreatedAt time.Time
}

// LeadSink persists leads for follow-up by sales staff.
type LeadSink interface {
	SaveLead(ctx context.Context, lead Lead) error
}

type LeadTool struct {
	SessionID string
	Sink      LeadSink
	Logger    *zap.Logger
	Now       func() time.Time
}

func (l LeadTool) Tool() tools.Tool {
	return tools.Tool{
		Name:        ToolSaveLead,
		Description: "Save an interested user's contact details for follow-up by a sales agent.",
		Parameters: &realtime.Schema{
			Type: "object",
			Properties: map[string]*realtime.Schema{
				"name":      {Type: "string", Description: "The user's full name."},
				"phone":     {Type: "string", Description: "The user's phone number."},
				"unit_code": {Type: "string", Description: "Code of the unit of interest."},
				"notes":     {Type: "string", Description: "Summary of the user's intent."},
			},
			Required: []string{"name", "phone", "unit_code", "notes"},
		},
		Func: l.save,
	}
}

func (l LeadTool) save(ctx context.Context, args map[string]any) (any, error) {
	if l.Sink == nil {
		return nil, fmt.Errorf("lead sink is not configured")
	}
	name, ok := tools.StringArg(args, "name")
	if !ok {
		return nil, fmt.Errorf("name is required")
	}
	phone, ok := tools.StringArg(args, "phone")
	if !ok {
		return nil, fmt.Errorf("phone is required")
	}
	unitCode, _ := tools.StringArg(args, "unit_code")
	notes, _ := tools.StringArg(args, "notes")

	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	lead := Lead{
		SessionID: l.SessionID,
		Name:      name,
		Phone:     phone,
		UnitCode:  unitCode,
		Notes:     notes,
		CreatedAt: now(),
	}
	if err := l.Sink.SaveLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("save lead: %w", err)
	}
	if l.Logger != nil {
		l.Logger.Info("lead saved", zap.String("session_id", l.SessionID), zap.String("unit_code", unitCode))
	}
	return fmt.Sprintf("Successfully saved lead for %s. A consultant will contact them shortly about unit %s.", name, unitCode), nil
}
