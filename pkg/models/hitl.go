package models

// ManualHitlContextKey marks a snapshot produced by a manual approve/modify/reject
// checkpoint rather than an agent clarification question.
const ManualHitlContextKey = "__hitl"

type AskUserOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// HitlSnapshot is the last "needs input" prompt shown to a human.
type HitlSnapshot struct {
	Question         string          `json:"question"`
	Options          []AskUserOption `json:"options,omitempty"`
	SelectionType    string          `json:"selectionType,omitempty"`
	AllowCustomInput bool            `json:"allowCustomInput"`
	Context          map[string]any  `json:"context,omitempty"`
}

// IsManual reports whether the snapshot came from a manual checkpoint.
func (s *HitlSnapshot) IsManual() bool {
	if s == nil || s.Context == nil {
		return false
	}
	v, ok := s.Context[ManualHitlContextKey]
	if !ok || v == nil {
		return false
	}
	switch flag := v.(type) {
	case bool:
		return flag
	case string:
		return flag != ""
	case float64:
		return flag != 0
	default:
		return true
	}
}

type HitlAction string

const (
	HitlActionApprove HitlAction = "approve"
	HitlActionReject  HitlAction = "reject"
)

// HitlResponse is the human answer to a paused task.
type HitlResponse struct {
	Action       HitlAction `json:"action"`
	SelectedIDs  []string   `json:"selectedIds,omitempty"`
	CustomInput  string     `json:"customInput,omitempty"`
	ModifiedData any        `json:"modifiedData,omitempty"`
}

// Validate checks the wire-level shape of the response.
func (r *HitlResponse) Validate() error {
	if r.Action != HitlActionApprove && r.Action != HitlActionReject {
		return ErrInvalidAction
	}
	return nil
}
