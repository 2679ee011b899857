package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version,omitempty"`
	Workflows WorkflowCounts `json:"workflows"`
}

// WorkflowCounts counts persisted workflows by status. Failed and Done
// split the terminal ones.
type WorkflowCounts struct {
	Running int `json:"running"`
	Waiting int `json:"waiting"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// ApproveRequest is the request body for POST /api/v1/workflows/:id/approve.
// Phase and Attempt, when given, must name the pending artifact.
type ApproveRequest struct {
	Approved *bool  `json:"approved"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Phase    string `json:"phase,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
}
