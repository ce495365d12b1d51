package agent

import (
	"context"
	"errors"
)

// Hint is the best known fix hint for a violation
type Hint struct {
	HintID int    `json:"hint_id"`
	Hint   string `json:"hint"`
}

// ViolationID identifies a violation within a ruleset
type ViolationID struct {
	RulesetName   string `json:"ruleset_name"`
	ViolationName string `json:"violation_name"`
}

// SuccessRate aggregates solution outcomes across violations
type SuccessRate struct {
	CountedSolutions  int `json:"counted_solutions"`
	AcceptedSolutions int `json:"accepted_solutions"`
	RejectedSolutions int `json:"rejected_solutions"`
	ModifiedSolutions int `json:"modified_solutions"`
	PendingSolutions  int `json:"pending_solutions"`
	UnknownSolutions  int `json:"unknown_solutions"`
}

// Incident is one occurrence of a violation in analyzed source
type Incident struct {
	URI                  string                 `json:"uri"`
	Message              string                 `json:"message"`
	RulesetName          string                 `json:"ruleset_name"`
	RulesetDescription   string                 `json:"ruleset_description,omitempty"`
	ViolationName        string                 `json:"violation_name"`
	ViolationDescription string                 `json:"violation_description,omitempty"`
	ViolationCategory    string                 `json:"violation_category,omitempty"`
	ViolationLabels      []string               `json:"violation_labels,omitempty"`
	LineNumber           int                    `json:"line_number,omitempty"`
	Variables            map[string]interface{} `json:"variables,omitempty"`
}

// SolutionFile is a file as it looked before or after a change
type SolutionFile struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
}

// Solution ties a set of file changes to the incidents it resolves
type Solution struct {
	IncidentIDs []int          `json:"incident_ids"`
	Before      []SolutionFile `json:"before"`
	After       []SolutionFile `json:"after"`
	Reasoning   string         `json:"reasoning,omitempty"`
	UsedHintIDs []int          `json:"used_hint_ids,omitempty"`
}

// GetBestHint returns the best hint for a violation. When the server knows no
// hint it returns {HintID: -1, Hint: ""} rather than an error.
func (c *Client) GetBestHint(ctx context.Context, rulesetName, violationName string) (*Hint, error) {
	hint, err := Request[Hint](ctx, c, OperationGetBestHint, map[string]interface{}{
		"ruleset_name":   rulesetName,
		"violation_name": violationName,
	}, hintSchema)
	if err != nil {
		return nil, err
	}
	if hint == nil {
		return &Hint{HintID: -1, Hint: ""}, nil
	}
	return hint, nil
}

// GetSuccessRate returns the solution outcomes for the given violations. An empty
// result yields all counters at zero.
func (c *Client) GetSuccessRate(ctx context.Context, violations []ViolationID) (*SuccessRate, error) {
	ids := make([]map[string]interface{}, 0, len(violations))
	for _, v := range violations {
		ids = append(ids, map[string]interface{}{
			"ruleset_name":   v.RulesetName,
			"violation_name": v.ViolationName,
		})
	}
	rate, err := Request[SuccessRate](ctx, c, OperationGetSuccessRate, map[string]interface{}{
		"violation_ids": ids,
	}, successRateSchema)
	if err != nil {
		return nil, err
	}
	if rate == nil {
		return &SuccessRate{}, nil
	}
	return rate, nil
}

// CreateIncident records an incident for clientID and returns its id.
// An empty result is a protocol error.
func (c *Client) CreateIncident(ctx context.Context, clientID string, incident Incident) (int, error) {
	id, err := Request[int](ctx, c, OperationCreateIncident, map[string]interface{}{
		"client_id":         clientID,
		"extended_incident": toArguments(incident),
	}, incidentIDSchema)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, &ProtocolError{Operation: OperationCreateIncident, Err: errors.New("server returned no incident id")}
	}
	return *id, nil
}

// CreateSolution records a proposed solution and returns its id.
// An empty result is a protocol error.
func (c *Client) CreateSolution(ctx context.Context, clientID string, solution Solution) (int, error) {
	args := toArguments(solution)
	args["client_id"] = clientID
	id, err := Request[int](ctx, c, OperationCreateSolution, args, solutionIDSchema)
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, &ProtocolError{Operation: OperationCreateSolution, Err: errors.New("server returned no solution id")}
	}
	return *id, nil
}

// AcceptFile marks the file of a solution as accepted by the user. Any
// non-error result counts as success.
func (c *Client) AcceptFile(ctx context.Context, clientID string, file SolutionFile) error {
	_, err := c.CallTool(ctx, OperationAcceptFile, map[string]interface{}{
		"client_id":     clientID,
		"solution_file": toArguments(file),
	})
	return err
}

// RejectFile marks the file at uri as rejected by the user
func (c *Client) RejectFile(ctx context.Context, clientID, uri string) error {
	_, err := c.CallTool(ctx, OperationRejectFile, map[string]interface{}{
		"client_id": clientID,
		"file_uri":  uri,
	})
	return err
}

// toArguments turns a tagged struct into a tool argument object
func toArguments(v interface{}) map[string]interface{} {
	args := map[string]interface{}{}
	if err := remarshal(v, &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}
