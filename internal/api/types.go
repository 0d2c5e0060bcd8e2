package api

import (
	"sitepipe/internal/dispatch"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
)

// AdmitRequest is the body of POST /api/sites.
type AdmitRequest struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
}

// AdmitResponse reports an admitted site.
type AdmitResponse struct {
	Site       status.SiteStatus `json:"site"`
	Dispatched int               `json:"dispatched"`
}

// SiteListResponse wraps a site listing.
type SiteListResponse struct {
	Sites []status.SiteStatus `json:"sites"`
	Count int                 `json:"count"`
}

// SiteResponse wraps a single site.
type SiteResponse struct {
	Site status.SiteStatus `json:"site"`
}

// JobStatsResponse counts dispatch jobs per status.
type JobStatsResponse struct {
	Jobs map[dispatch.Status]int `json:"jobs"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Healthy  bool                 `json:"healthy"`
	Database sites.DatabaseHealth `json:"database"`
	Stages   []stage.Health       `json:"stages,omitempty"`
}

// LogResponse carries daemon log lines and the offset to poll from next.
type LogResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
