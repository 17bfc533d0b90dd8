package api

// GenerateRequest is the body of POST /v1/local/video/generate.
type GenerateRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ImagePath      string `json:"image_path,omitempty"`
	SaveVideoPath  string `json:"save_video_path"`
	Seed           *int64 `json:"seed,omitempty"`
}

type GenerateResponse struct {
	Response           string  `json:"response"`
	SaveVideoPath      string  `json:"save_video_path"`
	RequestID          string  `json:"request_id"`
	Steps              int     `json:"steps"`
	DurationMs         int64   `json:"duration_ms"`
	ExactBlocks        int     `json:"exact_blocks"`
	ApproximatedBlocks int     `json:"approximated_blocks"`
	MaxApproxError     float64 `json:"max_approximation_error"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ErrorResponse struct {
	Error ResponseError `json:"error"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
