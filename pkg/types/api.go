package types

// GenerateRequest is the payload accepted by POST /v1/generate and
// /v1/generate/stream.
type GenerateRequest struct {
	// Required prompt text.
	// example: Summarize the attached meeting notes.
	Prompt string `json:"prompt" example:"Summarize the attached meeting notes."`
	// Identifier of the end user on whose behalf the request runs.
	// example: user-42
	UserID string `json:"user_id" example:"user-42"`
	// Calling service name; must match a configured service policy.
	// example: chat
	Service string `json:"service" example:"chat"`
	// Optional session identifier for correlation.
	// example: sess-9f2
	SessionID string `json:"session_id,omitempty" example:"sess-9f2"`
	// Optional explicit tier; when empty the classifier derives one.
	// example: moderate
	Tier string `json:"tier,omitempty" example:"moderate"`
	// Optional preferred model; honored when within the service ceiling.
	// example: qwen2.5:7b
	PreferredModel string `json:"preferred_model,omitempty" example:"qwen2.5:7b"`
	// Queue priority: low|normal|high|critical. Defaults to normal.
	// example: normal
	Priority string `json:"priority,omitempty" example:"normal"`
	// When true (the default), a failed request is retried once against the
	// smallest known model.
	FallbackAllowed *bool `json:"fallback_allowed,omitempty" example:"true"`
	// Sampling temperature passed through to the executor.
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Opaque metadata echoed into events and logs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Fallback reports the effective fallback_allowed value (default true).
func (r GenerateRequest) Fallback() bool {
	return r.FallbackAllowed == nil || *r.FallbackAllowed
}

// TokenInfo carries token accounting from the executor.
type TokenInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Allocation describes the resources a request actually ran on.
type Allocation struct {
	Model    string   `json:"model"`
	Category Category `json:"category"`
	Tier     Tier     `json:"tier"`
	// ExpertID is the GPU the request executed on.
	ExpertID string `json:"expert_id"`
}

// GenerateMeta carries per-request bookkeeping returned with the response.
type GenerateMeta struct {
	Service string `json:"service"`
	// example: sess-9f2
	SessionID string `json:"session_id,omitempty"`
	// Time spent in the executor, milliseconds.
	ProcessingMs int64 `json:"processing_ms"`
	// Time from admission to executor start, milliseconds (includes queueing).
	AllocationMs int64 `json:"allocation_ms"`
	// Estimated memory held for the request, MB.
	ResourceUsageMB int `json:"resource_usage_mb"`
}

// GenerateResponse is returned by POST /v1/generate.
type GenerateResponse struct {
	Response   string       `json:"response"`
	TokenInfo  TokenInfo    `json:"token_info"`
	Allocation Allocation   `json:"allocation"`
	Meta       GenerateMeta `json:"metadata"`
	// True when the request was retried against the smallest model.
	IsFallback bool `json:"is_fallback,omitempty"`
	// Original error that triggered the fallback.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// StreamChunk is one NDJSON line of a streaming response.
type StreamChunk struct {
	Chunk     string     `json:"chunk,omitempty"`
	TokenInfo *TokenInfo `json:"token_info,omitempty"`
	Done      bool       `json:"done,omitempty"`
	// Set on the final line when the stream ran on the fallback model.
	IsFallback bool `json:"is_fallback,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: queue timeout for model qwen2.5:7b
	Error string `json:"error" example:"queue timeout for model qwen2.5:7b"`
	// HTTP status code.
	// example: 429
	Code int `json:"code" example:"429"`
}

// ModelSlotStatus summarizes one model's admission state for /status.
type ModelSlotStatus struct {
	Model string `json:"model"`
	// example: 2
	Active int `json:"active"`
	// example: 4
	MaxConcurrent int `json:"max_concurrent"`
}

// GPUStatus summarizes one device for /status.
type GPUStatus struct {
	ID             string  `json:"id"`
	TotalMemoryMB  int     `json:"total_memory_mb"`
	UsedMemoryMB   int     `json:"used_memory_mb"`
	ActiveRequests int     `json:"active_requests"`
	// Average observed request duration on this device, seconds.
	AvgDurationSec float64 `json:"avg_duration_sec"`
}

// QueueStatus summarizes the waiting set for /status.
type QueueStatus struct {
	Depth      int            `json:"depth"`
	MaxDepth   int            `json:"max_depth"`
	ByPriority map[string]int `json:"by_priority,omitempty"`
	// Age of the oldest pending entry, seconds.
	OldestWaitSec float64 `json:"oldest_wait_sec"`
	TimeoutsTotal uint64  `json:"timeouts_total"`
}

// ResidencyStatus summarizes one resident model for /status.
type ResidencyStatus struct {
	Model string `json:"model"`
	// unloaded|loading|ready|draining
	State string `json:"state"`
	// example: 1700000000
	LastUsedUnix int64 `json:"last_used_unix"`
	MemoryMB     int   `json:"memory_mb"`
}

// LifecycleStatus summarizes residency for /status.
type LifecycleStatus struct {
	Resident       []ResidencyStatus `json:"resident"`
	BudgetMB       int               `json:"budget_mb"`
	UsedMB         int               `json:"used_mb"`
	MarginMB       int               `json:"margin_mb"`
	LoadsTotal     uint64            `json:"loads_total"`
	EvictionsTotal uint64            `json:"evictions_total"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ActiveAllocations int               `json:"active_allocations"`
	Resources         []ModelSlotStatus `json:"resources"`
	Queue             QueueStatus       `json:"queue"`
	GPUs              []GPUStatus       `json:"gpus"`
	Lifecycle         LifecycleStatus   `json:"lifecycle"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}
