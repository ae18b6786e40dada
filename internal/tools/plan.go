package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// PlanStepStatus values (spec §3 Plan Artifact).
const (
	PlanStepPending    = "pending"
	PlanStepInProgress = "in_progress"
	PlanStepCompleted  = "completed"
	PlanStepFailed     = "failed"
)

const planFileName = "plan.json"

// PlanStep is one line item of a Plan Artifact.
type PlanStep struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// Plan is the full plan.json document persisted in a conversation's working
// directory. It is the source of truth across turns; the plan tool both
// reads and writes it in place.
type Plan struct {
	TaskDescription string     `json:"task_description"`
	Steps           []PlanStep `json:"steps"`
}

type planCounters struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (p Plan) counters() planCounters {
	c := planCounters{Total: len(p.Steps)}
	for _, s := range p.Steps {
		switch s.Status {
		case PlanStepPending:
			c.Pending++
		case PlanStepInProgress:
			c.InProgress++
		case PlanStepCompleted:
			c.Completed++
		case PlanStepFailed:
			c.Failed++
		}
	}
	return c
}

// PlanDescriptor describes the plan tool: create a plan on first call, then
// read or update individual step statuses on subsequent calls.
func PlanDescriptor() Descriptor {
	return Descriptor{
		Name: "plan",
		Description: "Create or update the task plan persisted in this conversation's working directory. " +
			"action=create replaces the whole plan; action=get returns it; action=update_step sets one step's status/result.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []any{"create", "get", "update_step"},
				},
				"task_description": map[string]any{"type": "string"},
				"steps": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"action": map[string]any{"type": "string"},
						},
						"required": []any{"action"},
					},
				},
				"step":   map[string]any{"type": "integer"},
				"status": map[string]any{"type": "string", "enum": []any{PlanStepPending, PlanStepInProgress, PlanStepCompleted, PlanStepFailed}},
				"result": map[string]any{"type": "string"},
			},
			"additionalProperties": false,
		},
		RequiredParams: []string{"action"},
		TimeoutSeconds: 10,
		Pure:           false,
		RetryOnTimeout: false,
	}
}

// NewPlanHandler builds the plan tool's Handler. It is not marked Pure:
// update_step and create both mutate plan.json, so concurrent dispatch
// within one DISPATCH step would race on the file.
func NewPlanHandler() Handler {
	return func(tc Context, args map[string]any) (Result, error) {
		action, _ := args["action"].(string)
		path := filepath.Join(tc.WorkingDir, planFileName)

		switch action {
		case "create":
			taskDesc, _ := args["task_description"].(string)
			rawSteps, _ := args["steps"].([]any)
			steps := make([]PlanStep, 0, len(rawSteps))
			for i, rs := range rawSteps {
				m, _ := rs.(map[string]any)
				action, _ := m["action"].(string)
				steps = append(steps, PlanStep{Step: i + 1, Action: action, Status: PlanStepPending})
			}
			plan := Plan{TaskDescription: taskDesc, Steps: steps}
			if err := writePlan(path, plan); err != nil {
				return Result{}, fmt.Errorf("plan: %w", err)
			}
			return planResult(plan)

		case "get":
			plan, err := readPlan(path)
			if err != nil {
				return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: "no plan exists yet for this conversation"}), nil
			}
			return planResult(plan)

		case "update_step":
			plan, err := readPlan(path)
			if err != nil {
				return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: "no plan exists yet for this conversation"}), nil
			}
			stepNum, ok := toInt(args["step"])
			if !ok {
				return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: "update_step requires an integer step", Fields: []string{"step"}}), nil
			}
			status, _ := args["status"].(string)
			result, _ := args["result"].(string)
			found := false
			for i := range plan.Steps {
				if plan.Steps[i].Step == stepNum {
					if status != "" {
						plan.Steps[i].Status = status
					}
					if result != "" {
						plan.Steps[i].Result = result
					}
					found = true
					break
				}
			}
			if !found {
				return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: fmt.Sprintf("no such step %d", stepNum), Fields: []string{"step"}}), nil
			}
			if err := writePlan(path, plan); err != nil {
				return Result{}, fmt.Errorf("plan: %w", err)
			}
			return planResult(plan)

		default:
			return failResult(&DispatchError{Kind: ErrArgumentValidation, Detail: fmt.Sprintf("unknown action %q", action), Fields: []string{"action"}}), nil
		}
	}
}

func planResult(plan Plan) (Result, error) {
	payload, err := json.Marshal(map[string]any{
		"plan":     plan,
		"counters": plan.counters(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("plan: marshal result: %w", err)
	}
	return Result{Status: "success", Data: payload}, nil
}

func readPlan(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func writePlan(path string, plan Plan) error {
	raw, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
