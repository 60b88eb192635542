package dto

// JobDTO is the wire representation of a scan job.
type JobDTO struct {
	JobID       string `json:"job_id"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum,omitempty"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ResultDTO is the wire representation of a scan result.
type ResultDTO struct {
	JobID              string `json:"job_id"`
	Outcome            string `json:"outcome"`
	IsInfected         bool   `json:"is_infected"`
	ThreatName         string `json:"threat_name,omitempty"`
	ThreatCategory     string `json:"threat_category,omitempty"`
	ThreatDescription  string `json:"threat_description,omitempty"`
	DetectorVersion    string `json:"detector_version,omitempty"`
	DefinitionsVersion string `json:"definitions_version,omitempty"`
	ScanDurationMs     int64  `json:"scan_duration_ms"`
	ScannedAt          string `json:"scanned_at"`
}

// StatusResponse is the answer to a job status query.
type StatusResponse struct {
	Job           JobDTO     `json:"job"`
	Stage         string     `json:"stage"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	Result        *ResultDTO `json:"result,omitempty"`
}

// ListInfectedRequest carries the pagination query parameters.
type ListInfectedRequest struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

// InfectedItemDTO is one infected scan in the report listing.
type InfectedItemDTO struct {
	JobID              string `json:"job_id"`
	Filename           string `json:"filename"`
	SizeBytes          int64  `json:"size_bytes"`
	ThreatName         string `json:"threat_name"`
	ThreatCategory     string `json:"threat_category,omitempty"`
	DetectorVersion    string `json:"detector_version,omitempty"`
	DefinitionsVersion string `json:"definitions_version,omitempty"`
	ScannedAt          string `json:"scanned_at"`
}

// ListInfectedResponse is one page of infected scans.
type ListInfectedResponse struct {
	Items    []InfectedItemDTO `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}
