package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/pkg/schema"
)

// ResumeKey is the default resume key of a wait: workflow, node and run id.
func ResumeKey(workflowID, nodeID, runID string) string {
	return fmt.Sprintf("%s:%s:%s", workflowID, nodeID, runID)
}

// WaitUntil computes the resume time of a wait_for_time config.
func WaitUntil(cfg schema.WaitForTimeConfig, from time.Time) (time.Time, error) {
	switch {
	case cfg.Until != "":
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid until %q: expected RFC3339", cfg.Until)
		}
		return t.UTC(), nil
	case cfg.Duration != "":
		d, err := time.ParseDuration(cfg.Duration)
		if err != nil || d < 0 {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid duration %q", cfg.Duration)
		}
		return from.Add(d), nil
	case cfg.Amount > 0:
		unit, err := unitDuration(cfg.Unit)
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(time.Duration(cfg.Amount * float64(unit))), nil
	default:
		return time.Time{}, schema.NewError(schema.ErrCodeConfiguration,
			"wait_for_time needs duration, amount+unit or until")
	}
}

func unitDuration(unit string) (time.Duration, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(unit)), "s") {
	case "second", "":
		return time.Second, nil
	case "minute":
		return time.Minute, nil
	case "hour":
		return time.Hour, nil
	case "day":
		return 24 * time.Hour, nil
	case "week":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown wait unit %q", unit)
	}
}

func optionalTimeout(raw string, from time.Time) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid timeout %q", raw)
	}
	t := from.Add(d)
	return &t, nil
}

func (h *handlers) waitForTime(_ context.Context, call *dispatch.Call) dispatch.ActionResult {
	var cfg schema.WaitForTimeConfig
	if err := decodeConfig(call, &cfg); err != nil {
		return dispatch.Failure(err)
	}
	at, err := WaitUntil(cfg, now(call))
	if err != nil {
		return dispatch.Failure(err)
	}
	if !at.After(now(call)) {
		return dispatch.Success(passThrough(call.Input, map[string]any{"waited": false, "resumeAt": at.Format(time.RFC3339)}))
	}

	desc := "waiting until " + at.Format(time.RFC3339)
	res := dispatch.Success(map[string]any{"resumeAt": at.Format(time.RFC3339), "waitingOn": desc})
	res.Suspend = &schema.Suspension{
		Kind:        schema.WaitKindTime,
		ResumeKey:   ResumeKey(call.WorkflowID, call.Node.ID, call.RunID),
		ResumeAt:    &at,
		Description: desc,
	}
	return res
}

func (h *handlers) waitForEvent(_ context.Context, call *dispatch.Call) dispatch.ActionResult {
	var cfg schema.WaitForEventConfig
	if err := decodeConfig(call, &cfg); err != nil {
		return dispatch.Failure(err)
	}
	timeoutAt, err := optionalTimeout(cfg.Timeout, now(call))
	if err != nil {
		return dispatch.Failure(err)
	}

	key := cfg.EventKey
	if key == "" {
		key = ResumeKey(call.WorkflowID, call.Node.ID, call.RunID)
	}
	desc := cfg.Description
	if desc == "" {
		desc = "waiting for event " + key
	}

	res := dispatch.Success(map[string]any{"resumeKey": key, "waitingOn": desc})
	res.Suspend = &schema.Suspension{
		Kind:        schema.WaitKindEvent,
		ResumeKey:   key,
		ResumeAt:    timeoutAt,
		Description: desc,
	}
	return res
}

func (h *handlers) humanApproval(_ context.Context, call *dispatch.Call) dispatch.ActionResult {
	var cfg schema.HumanApprovalConfig
	if err := decodeConfig(call, &cfg); err != nil {
		return dispatch.Failure(err)
	}
	timeoutAt, err := optionalTimeout(cfg.Timeout, now(call))
	if err != nil {
		return dispatch.Failure(err)
	}

	desc := cfg.Description
	if desc == "" {
		desc = "awaiting approval"
	}
	key := ResumeKey(call.WorkflowID, call.Node.ID, call.RunID)

	res := dispatch.Success(map[string]any{"resumeKey": key, "waitingOn": desc, "assignee": cfg.Assignee})
	res.Suspend = &schema.Suspension{
		Kind:        schema.WaitKindApproval,
		ResumeKey:   key,
		ResumeAt:    timeoutAt,
		Description: desc,
		Details:     map[string]any{"assignee": cfg.Assignee, "data": copyMap(call.Input)},
	}
	return res
}

// ResumeOutcome is how a resumed wait node completes.
type ResumeOutcome struct {
	Output map[string]any
	// Labels, when non-nil, selects outgoing edges by label instead of the default edges.
	Labels  []string
	Stop    bool
	Message string
}

// ResolveWait turns a resume signal into the completed output of the wait
// node. timedOut is set when the timer fired for an event or approval wait.
// hasEdge reports whether the wait node has an outgoing edge with a label.
func ResolveWait(kind schema.WaitKind, sig schema.Signal, input map[string]any, timedOut bool, hasEdge func(string) bool) (ResumeOutcome, error) {
	switch kind {
	case schema.WaitKindTime:
		return ResumeOutcome{Output: passThrough(input, map[string]any{"waited": true})}, nil

	case schema.WaitKindEvent:
		if timedOut {
			out := ResumeOutcome{Output: passThrough(input, map[string]any{"timedOut": true})}
			if hasEdge(schema.LabelTimeout) {
				out.Labels = []string{schema.LabelTimeout}
			}
			return out, nil
		}
		output := copyMap(sig.Payload)
		if err := mergo.Merge(&output, copyMap(input)); err != nil {
			return ResumeOutcome{}, schema.NewError(schema.ErrCodeHandler, "merge event payload").WithCause(err)
		}
		output["event"] = copyMap(sig.Payload)
		output["timedOut"] = false
		return ResumeOutcome{Output: output}, nil

	case schema.WaitKindApproval:
		if timedOut {
			out := ResumeOutcome{Output: passThrough(input, map[string]any{"timedOut": true, "approved": false})}
			if hasEdge(schema.LabelTimeout) {
				out.Labels = []string{schema.LabelTimeout}
			} else {
				out.Stop = true
				out.Message = "approval timed out"
			}
			return out, nil
		}
		return resolveApproval(sig, input, hasEdge)

	default:
		return ResumeOutcome{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown wait kind %q", kind)
	}
}

func resolveApproval(sig schema.Signal, input map[string]any, hasEdge func(string) bool) (ResumeOutcome, error) {
	if !sig.Decision.Valid() {
		return ResumeOutcome{}, schema.NewErrorf(schema.ErrCodeValidation,
			"approval requires a decision (approve, reject or edit), got %q", sig.Decision)
	}

	data := copyMap(input)
	if sig.Decision == schema.DecisionEdit && len(sig.Edits) > 0 {
		if err := mergo.Merge(&data, copyMap(sig.Edits), mergo.WithOverride); err != nil {
			return ResumeOutcome{}, schema.NewError(schema.ErrCodeValidation, "cannot apply edits").WithCause(err)
		}
	}

	approved := sig.Decision != schema.DecisionReject
	output := passThrough(data, map[string]any{
		"decision": string(sig.Decision),
		"approved": approved,
		"comment":  sig.Comment,
		"actor":    sig.Actor,
		"data":     copyMap(data),
	})
	if approved {
		return ResumeOutcome{Output: output}, nil
	}

	if hasEdge(schema.LabelRejected) {
		return ResumeOutcome{Output: output, Labels: []string{schema.LabelRejected}}, nil
	}
	msg := "rejected"
	if sig.Actor != "" {
		msg += " by " + sig.Actor
	}
	if sig.Comment != "" {
		msg += ": " + sig.Comment
	}
	return ResumeOutcome{Output: output, Stop: true, Message: msg}, nil
}
