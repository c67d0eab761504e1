package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

// =============================================================================
// ANTHROPIC
// =============================================================================

func callAnthropic(ctx context.Context, p CallLLMParams) (*CallLLMResult, error) {
	opts := []anthropicoption.RequestOption{anthropicoption.WithMaxRetries(0)}
	if p.APIKey != "" {
		opts = append(opts, anthropicoption.WithAPIKey(p.APIKey))
	} else {
		opts = append(opts, anthropicoption.WithHeader("Authorization", "Bearer "+p.BearerToken))
	}
	if p.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(withTrailingSlash(p.BaseURL)))
	}
	if p.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(p.HTTPClient))
	}
	for k, v := range p.ExtraHeaders {
		opts = append(opts, anthropicoption.WithHeader(k, v))
	}
	client := anthropic.NewClient(opts...)

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.Model),
		MaxTokens:   int64(p.MaxTokens),
		System:      []anthropic.TextBlockParam{{Text: p.SystemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(p.UserPrompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("no text content in response")
	}
	return &CallLLMResult{
		Content:      b.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// =============================================================================
// OPENAI-COMPATIBLE
// =============================================================================

// Temperature is omitted for OpenAI itself because o-series models reject it.
func callOpenAICompatible(ctx context.Context, p CallLLMParams) (*CallLLMResult, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = openAICompatibleBaseURLs[p.Provider]
	}
	key := p.APIKey
	if key == "" {
		key = p.BearerToken
	}
	opts := []openaioption.RequestOption{
		openaioption.WithBaseURL(withTrailingSlash(baseURL)),
		openaioption.WithMaxRetries(0),
	}
	if key != "" {
		opts = append(opts, openaioption.WithAPIKey(key))
	}
	if p.HTTPClient != nil {
		opts = append(opts, openaioption.WithHTTPClient(p.HTTPClient))
	}
	for k, v := range p.ExtraHeaders {
		opts = append(opts, openaioption.WithHeader(k, v))
	}
	client := openai.NewClient(opts...)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.SystemPrompt),
			openai.UserMessage(p.UserPrompt),
		},
	}
	if p.Provider == ProviderOpenAI {
		params.MaxCompletionTokens = openai.Int(int64(p.MaxTokens))
	} else {
		params.MaxTokens = openai.Int(int64(p.MaxTokens))
		params.Temperature = openai.Float(0)
	}

	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &CallLLMResult{
		Content:      completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// =============================================================================
// GEMINI
// =============================================================================

func callGemini(ctx context.Context, p CallLLMParams) (*CallLLMResult, error) {
	cfg := &genai.ClientConfig{
		APIKey:     p.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.HTTPClient,
	}
	if p.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = withTrailingSlash(p.BaseURL)
	}
	if len(p.ExtraHeaders) > 0 {
		cfg.HTTPOptions.Headers = http.Header{}
		for k, v := range p.ExtraHeaders {
			cfg.HTTPOptions.Headers.Set(k, v)
		}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	resp, err := client.Models.GenerateContent(ctx, p.Model, genai.Text(p.UserPrompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.SystemPrompt, genai.RoleUser),
		MaxOutputTokens:   int32(p.MaxTokens),
		Temperature:       genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, err
	}
	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("no text content in response")
	}
	result := &CallLLMResult{Content: text}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// =============================================================================
// BEDROCK
// =============================================================================

func callBedrock(ctx context.Context, p CallLLMParams) (*CallLLMResult, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		region := p.Region
		if region == "" {
			region = defaultBedrockRegion
		}
		baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	client := p.HTTPClient
	if client == nil {
		transport, err := NewBedrockSigningTransport(p.Region, nil)
		if err != nil {
			return nil, err
		}
		client = &http.Client{Transport: transport}
	}

	body := ConverseRequest{
		Messages:        []converseMessage{{Role: "user", Content: []converseText{{Text: p.UserPrompt}}}},
		InferenceConfig: converseInferenceConfig{MaxTokens: p.MaxTokens},
	}
	if p.SystemPrompt != "" {
		body.System = []converseText{{Text: p.SystemPrompt}}
	}
	endpoint := strings.TrimSuffix(baseURL, "/") + "/model/" + url.PathEscape(p.Model) + "/converse"

	raw, err := postJSON(ctx, client, endpoint, body, p.ExtraHeaders)
	if err != nil {
		return nil, err
	}
	var resp ConverseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	var b strings.Builder
	for _, c := range resp.Output.Message.Content {
		b.WriteString(c.Text)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("no text content in response")
	}
	return &CallLLMResult{
		Content:      b.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// =============================================================================
// COHERE
// =============================================================================

const cohereBaseURL = "https://api.cohere.com"

func callCohere(ctx context.Context, p CallLLMParams) (*CallLLMResult, error) {
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = cohereBaseURL
	}
	client := p.HTTPClient
	if client == nil {
		client = &http.Client{} // timeout via context, not client
	}
	key := p.APIKey
	if key == "" {
		key = p.BearerToken
	}
	headers := map[string]string{"Authorization": "Bearer " + key}
	for k, v := range p.ExtraHeaders {
		headers[k] = v
	}

	body := CohereChatRequest{
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
	}
	if p.SystemPrompt != "" {
		body.Messages = append(body.Messages, cohereMessage{Role: "system", Content: p.SystemPrompt})
	}
	body.Messages = append(body.Messages, cohereMessage{Role: "user", Content: p.UserPrompt})

	raw, err := postJSON(ctx, client, strings.TrimSuffix(baseURL, "/")+"/v2/chat", body, headers)
	if err != nil {
		return nil, err
	}
	var resp CohereChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	var b strings.Builder
	for _, c := range resp.Message.Content {
		if c.Type == "" || c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("no text content in response")
	}
	usage := resp.Usage.Tokens
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage = resp.Usage.BilledUnits
	}
	return &CallLLMResult{
		Content:      b.String(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}, nil
}

// =============================================================================
// HTTP
// =============================================================================

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, headers map[string]string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncateErrorBody(respBody))
	}
	return respBody, nil
}

func withTrailingSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}
