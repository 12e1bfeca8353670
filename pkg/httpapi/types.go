package httpapi

import "time"

type createRequest struct {
	VideoIDs       []int64 `json:"video_ids"`
	OutputFilename string  `json:"output_filename"`
}

type createResponse struct {
	TaskID         string    `json:"task_id"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	CreatedAt      time.Time `json:"created_at"`
	ResponseTimeMs int64     `json:"response_time_ms"`
}

type outputFileInfo struct {
	Filename    string  `json:"filename"`
	FileSize    int64   `json:"file_size"`
	FileSizeMB  float64 `json:"file_size_mb"`
	DownloadURL string  `json:"download_url"`
	StreamURL   string  `json:"stream_url"`
}

type queryResponse struct {
	TaskID                          string          `json:"task_id"`
	Status                          string          `json:"status"`
	Progress                        int             `json:"progress"`
	CreatedAt                       time.Time       `json:"created_at"`
	StartedAt                       *time.Time      `json:"started_at"`
	CompletedAt                     *time.Time      `json:"completed_at"`
	OutputFile                      *outputFileInfo `json:"output_file,omitempty"`
	ErrorMessage                    *string         `json:"error_message"`
	CurrentStage                    string          `json:"current_stage"`
	EstimatedTimeRemaining          *int            `json:"estimated_time_remaining"`
	EstimatedTimeRemainingFormatted *string         `json:"estimated_time_remaining_formatted"`
	AvailableActions                []string        `json:"available_actions"`
}

type cancelResponse struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	CancelledAt time.Time `json:"cancelled_at"`
	Success     bool      `json:"success"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CurrentStatus string `json:"current_status,omitempty"`
}

type diagnosticsSearchResponse struct {
	Query   string              `json:"query"`
	Results []diagnosticsResult `json:"results"`
}

type diagnosticsResult struct {
	TaskID string                 `json:"task_id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields"`
}
