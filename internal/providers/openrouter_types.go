package providers

import "strconv"

// OpenRouter API request/response types

type openRouterRequest struct {
	Model       string                  `json:"model"`
	Messages    []openRouterMessage     `json:"messages"`
	Temperature float64                 `json:"temperature,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Usage       *openRouterUsageRequest `json:"usage,omitempty"` // Request cost tracking
}

type openRouterUsageRequest struct {
	Include bool `json:"include"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		TotalTokens      int     `json:"total_tokens"`
		Cost             float64 `json:"cost,omitempty"`              // OpenRouter returns cost in USD
		NativeTotalCost  float64 `json:"native_total_cost,omitempty"` // Alternative cost field
	} `json:"usage"`
	// Error is returned by OpenRouter when something goes wrong at the API/model level
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"` // Can be string or int
}

// status maps a body-level error code onto an HTTP status.
// Codes like "overloaded" have no number and are reported as 503.
func (e *openRouterError) status() int {
	switch code := e.Code.(type) {
	case float64:
		return int(code)
	case string:
		if n, err := strconv.Atoi(code); err == nil {
			return n
		}
		switch code {
		case "rate_limit_exceeded":
			return 429
		case "overloaded":
			return 503
		}
	}
	return 502
}
