package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://api.anthropic.com/v1/messages", "anthropic"},
		{"https://bedrock-runtime.us-east-1.amazonaws.com/model/x/invoke", "bedrock"},
		{"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent", "gemini"},
		{"https://api.openai.com/v1/chat/completions", "openai"},
		{"http://localhost:11434/v1/chat/completions", "openai"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectProvider(tt.endpoint), tt.endpoint)
	}
}

func TestCallLLMParams_Validate(t *testing.T) {
	p := CallLLMParams{Endpoint: "https://x", APIKey: "k", Model: "m"}
	require.NoError(t, p.validate())
	assert.Equal(t, DefaultTimeout, p.Timeout)

	assert.Error(t, (&CallLLMParams{APIKey: "k", Model: "m"}).validate())
	assert.Error(t, (&CallLLMParams{Endpoint: "https://x", Model: "m"}).validate())
	assert.Error(t, (&CallLLMParams{Endpoint: "https://x", APIKey: "k"}).validate())

	// Bedrock authenticates through the signing transport.
	bedrock := CallLLMParams{Provider: "bedrock", Endpoint: "https://x", Model: "m"}
	assert.NoError(t, bedrock.validate())
}

func TestBuildRequestBody_Anthropic(t *testing.T) {
	body, err := buildRequestBody("anthropic", CallLLMParams{
		Model: "claude-3-5-haiku-20241022", SystemPrompt: "sys", UserPrompt: "usr", MaxTokens: 100,
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "claude-3-5-haiku-20241022", req["model"])
	assert.Equal(t, "sys", req["system"])
	assert.EqualValues(t, 100, req["max_tokens"])
	assert.NotContains(t, req, "anthropic_version")
}

func TestBuildRequestBody_BedrockAddsVersion(t *testing.T) {
	body, err := buildRequestBody("bedrock", CallLLMParams{Model: "anthropic.claude-3-5-haiku", UserPrompt: "u", MaxTokens: 50})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "bedrock-2023-05-31", req["anthropic_version"])
}

func TestBuildRequestBody_OpenAI(t *testing.T) {
	body, err := buildRequestBody("openai", CallLLMParams{Model: "gpt-4o-mini", SystemPrompt: "sys", UserPrompt: "usr", MaxTokens: 80})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.EqualValues(t, 80, req["max_completion_tokens"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	// o-series models reject temperature, so it is never sent.
	assert.NotContains(t, req, "temperature")
}

func TestBuildRequestBody_Gemini(t *testing.T) {
	body, err := buildRequestBody("gemini", CallLLMParams{Model: "gemini-2.0-flash", SystemPrompt: "sys", UserPrompt: "usr", MaxTokens: 64})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Contains(t, req, "system_instruction")
	assert.Contains(t, req, "contents")
}

func TestParseResponse_Anthropic(t *testing.T) {
	body := `{"content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":10,"output_tokens":3}}`
	res, err := parseResponse("anthropic", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 3, res.OutputTokens)

	_, err = parseResponse("anthropic", []byte(`{"content":[]}`))
	assert.Error(t, err)
}

func TestParseResponse_OpenAI(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`
	res, err := parseResponse("openai", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.Equal(t, 5, res.InputTokens)

	_, err = parseResponse("openai", []byte(`{"choices":[]}`))
	assert.Error(t, err)
}

func TestParseResponse_Gemini(t *testing.T) {
	body := `{"candidates":[{"content":{"parts":[{"text":"yo"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":1}}`
	res, err := parseResponse("gemini", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "yo", res.Content)
	assert.Equal(t, 7, res.InputTokens)

	_, err = parseResponse("gemini", []byte(`{"candidates":[]}`))
	assert.Error(t, err)
}

// =============================================================================
// END TO END AGAINST A FAKE SERVER
// =============================================================================

func TestCallLLM_AnthropicRoundTrip(t *testing.T) {
	var gotAuth, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Write([]byte(`{"content":[{"type":"text","text":"<memory></memory>"}],"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer srv.Close()

	res, err := CallLLM(context.Background(), CallLLMParams{
		Provider:   "anthropic",
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		Model:      "claude-3-5-haiku-20241022",
		UserPrompt: "compress this",
	})
	require.NoError(t, err)
	assert.Equal(t, "<memory></memory>", res.Content)
	assert.Equal(t, "test-key", gotAuth)
	assert.Equal(t, "2023-06-01", gotVersion)
}

func TestCallLLM_NonOKStatusQuotesTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(strings.Repeat("e", 2000)))
	}))
	defer srv.Close()

	_, err := CallLLM(context.Background(), CallLLMParams{
		Provider: "openai", Endpoint: srv.URL, APIKey: "k", Model: "gpt-4o-mini",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "truncated")
	assert.Less(t, len(err.Error()), 700)
}

func TestCallLLM_BearerAuthForOpenAI(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}],"usage":{}}`))
	}))
	defer srv.Close()

	_, err := CallLLM(context.Background(), CallLLMParams{
		Provider: "openai", Endpoint: srv.URL, APIKey: "sekrit", Model: "gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", gotAuth)
}
