// Wire types for the providers called over plain HTTP.
package external

// =============================================================================
// BEDROCK CONVERSE
// =============================================================================

type converseText struct {
	Text string `json:"text"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []converseText `json:"content"`
}

type converseInferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

// ConverseRequest is the body of POST /model/{modelId}/converse.
type ConverseRequest struct {
	System          []converseText          `json:"system,omitempty"`
	Messages        []converseMessage       `json:"messages"`
	InferenceConfig converseInferenceConfig `json:"inferenceConfig"`
}

// ConverseResponse is the subset of the Converse response the client reads.
type ConverseResponse struct {
	Output struct {
		Message struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
	} `json:"usage"`
}

// =============================================================================
// COHERE V2 CHAT
// =============================================================================

type cohereMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CohereChatRequest is the body of POST /v2/chat.
type CohereChatRequest struct {
	Model       string          `json:"model"`
	Messages    []cohereMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type cohereTokens struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CohereChatResponse is the subset of the v2 chat response the client reads.
type CohereChatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Usage        struct {
		BilledUnits cohereTokens `json:"billed_units"`
		Tokens      cohereTokens `json:"tokens"`
	} `json:"usage"`
}
