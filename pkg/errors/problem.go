package errors

import (
	"encoding/json"
	"net/http"
)

// ContentTypeProblem is the media type of a ProblemDetails body
const ContentTypeProblem = "application/problem+json"

// Problem type URIs
const (
	TypeServiceUnavailable = "https://autoclose.pincex.io/problems/service-unavailable"
	TypeNotReady           = "https://autoclose.pincex.io/problems/not-ready"
	TypeMonitorDisabled    = "https://autoclose.pincex.io/problems/monitor-disabled"
)

// ProblemDetails is an RFC 7807 response body
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithExtra adds a member serialized next to the standard ones
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON flattens Extra into the top level object
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{}, len(p.Extra)+5)
	for k, v := range p.Extra {
		result[k] = v
	}
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	return json.Marshal(result)
}

// NewProblemDetails creates a problem with every standard member set
func NewProblemDetails(problemType string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     problemType,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: instance,
	}
}

// NewServiceUnavailableError creates a 503 problem
func NewServiceUnavailableError(problemType, detail, instance string) *ProblemDetails {
	return NewProblemDetails(problemType, http.StatusServiceUnavailable, detail, instance)
}
