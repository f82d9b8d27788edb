package pipeline

import "client-engine/internal/models"

// Ineligibility reasons. These are normal outcomes, not errors.
const (
	ReasonNotFound         = "not_found"
	ReasonStatusNotAllowed = "status_not_allowed"
	ReasonRejected         = "rejected"
	ReasonHasProject       = "has_project"
	ReasonLocked           = "locked"
	ReasonComplete         = "complete"
)

// Policy decides whether a lead may start a pipeline run.
type Policy struct {
	AllowedStatuses []string
}

// Check returns the first reason the lead is ineligible, or "".
func (p Policy) Check(lead models.Lead) string {
	if lead.RejectedAt != nil || lead.Status == models.LeadRejected {
		return ReasonRejected
	}
	if lead.ProjectID != nil && *lead.ProjectID != "" {
		return ReasonHasProject
	}
	for _, s := range p.AllowedStatuses {
		if s == lead.Status {
			return ""
		}
	}
	return ReasonStatusNotAllowed
}

// statusRank orders lead statuses along the pipeline so a step never moves a
// lead backwards.
var statusRank = map[string]int{
	models.LeadNew:        0,
	models.LeadEnriched:   1,
	models.LeadScored:     2,
	models.LeadPositioned: 3,
	models.LeadProposed:   4,
	models.LeadBuilt:      5,
}

func advances(from, to string) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	return ok && tr > fr
}
