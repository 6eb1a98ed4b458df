// Package validator is the completion gate. A task with a goal contract
// only reaches completed when its result clears every clause; rejected
// results divert the task to failed instead.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskdeck/internal/fault"
)

// contractSchema constrains the goal_contract JSON stored on a task.
const contractSchema = `{
	"type": "object",
	"properties": {
		"require_report": {"type": "boolean"},
		"min_result_chars": {"type": "integer", "minimum": 0},
		"required_keywords": {"type": "array", "items": {"type": "string"}},
		"forbidden_phrases": {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

// GoalContract is the parsed completion contract.
type GoalContract struct {
	RequireReport    bool     `json:"require_report"`
	MinResultChars   int      `json:"min_result_chars"`
	RequiredKeywords []string `json:"required_keywords"`
	ForbiddenPhrases []string `json:"forbidden_phrases"`
}

// Verdict is the outcome of a completion check. Reasons is empty when OK.
type Verdict struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// Validator compiles the contract schema once and checks task results
// against parsed contracts.
type Validator struct {
	schema *jsonschema.Schema
}

func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contractSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal contract schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("goal_contract.json", doc); err != nil {
		return nil, fmt.Errorf("add contract schema: %w", err)
	}
	schema, err := c.Compile("goal_contract.json")
	if err != nil {
		return nil, fmt.Errorf("compile contract schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ParseContract validates and decodes a goal contract. Empty input
// yields a nil contract, meaning no gate.
func (v *Validator) ParseContract(contractJSON string) (*GoalContract, error) {
	if strings.TrimSpace(contractJSON) == "" {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contractJSON))
	if err != nil {
		return nil, fault.Validation("goal contract is not valid JSON: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fault.Validation("goal contract rejected: %v", err)
	}
	var contract GoalContract
	if err := json.Unmarshal([]byte(contractJSON), &contract); err != nil {
		return nil, fault.Validation("decode goal contract: %v", err)
	}
	return &contract, nil
}

// Report is the completion evidence the gate inspects. Source is
// "result", "checkpoint", or "none".
type Report struct {
	Source string `json:"source"`
	Body   string `json:"body"`
}

// EnsureTaskCompletionReport synthesizes completion evidence for a
// task: the result when present, otherwise its last checkpoint.
func EnsureTaskCompletionReport(result, checkpoint string) Report {
	if strings.TrimSpace(result) != "" {
		return Report{Source: "result", Body: result}
	}
	if strings.TrimSpace(checkpoint) != "" {
		return Report{Source: "checkpoint", Body: checkpoint}
	}
	return Report{Source: "none"}
}

// ValidateTaskReport checks synthesized evidence against the task's
// contract. require_report rejects tasks that produced no evidence at
// all, even when the other clauses would pass.
func (v *Validator) ValidateTaskReport(contractJSON string, report Report) (Verdict, error) {
	verdict, err := v.ValidateTaskCompletion(contractJSON, report.Body)
	if err != nil {
		return Verdict{}, err
	}
	contract, err := v.ParseContract(contractJSON)
	if err != nil {
		return Verdict{}, err
	}
	if contract != nil && contract.RequireReport && report.Source == "none" {
		verdict.OK = false
		verdict.Reasons = append(verdict.Reasons, "completion report required but none produced")
	}
	return verdict, nil
}

// ValidateTaskCompletion checks a result against the task's contract.
// A task without a contract passes as long as the result is non-empty.
func (v *Validator) ValidateTaskCompletion(contractJSON, result string) (Verdict, error) {
	contract, err := v.ParseContract(contractJSON)
	if err != nil {
		return Verdict{}, err
	}

	var reasons []string
	trimmed := strings.TrimSpace(result)
	if trimmed == "" {
		reasons = append(reasons, "result is empty")
	}
	if contract != nil {
		if contract.MinResultChars > 0 && len(trimmed) < contract.MinResultChars {
			reasons = append(reasons, fmt.Sprintf("result has %d chars, contract requires %d", len(trimmed), contract.MinResultChars))
		}
		lower := strings.ToLower(result)
		for _, kw := range contract.RequiredKeywords {
			if kw == "" {
				continue
			}
			if !strings.Contains(lower, strings.ToLower(kw)) {
				reasons = append(reasons, fmt.Sprintf("missing required keyword %q", kw))
			}
		}
		for _, phrase := range contract.ForbiddenPhrases {
			if phrase == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(phrase)) {
				reasons = append(reasons, fmt.Sprintf("contains forbidden phrase %q", phrase))
			}
		}
	}

	return Verdict{OK: len(reasons) == 0, Reasons: reasons}, nil
}
