// LLM capability used by the compressor and summarizer.
package memory

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/cmem-sh/cmem/external"
)

// LLMClient is the single capability the adapters need. Tests substitute a
// fake returning fixed XML strings or errors.
type LLMClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// ProviderClient calls a real LLM provider through external.CallLLM.
type ProviderClient struct {
	Provider string
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration

	httpClient *http.Client
}

// NewProviderClient builds a client for the configured provider. For
// Bedrock, a SigV4 signing transport is attached; its credential lookup
// failure is returned so startup can fall back to passthrough mode.
func NewProviderClient(provider, endpoint, apiKey, model string) (*ProviderClient, error) {
	c := &ProviderClient{
		Provider: provider,
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Timeout:  60 * time.Second,
	}
	if provider == "bedrock" {
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = os.Getenv("AWS_DEFAULT_REGION")
		}
		transport, err := external.NewBedrockSigningTransport(region, nil)
		if err != nil {
			return nil, err
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	return c, nil
}

// Complete sends one system+user prompt pair and returns the first text part.
func (c *ProviderClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	result, err := external.CallLLM(ctx, external.CallLLMParams{
		Provider:     c.Provider,
		Endpoint:     c.Endpoint,
		APIKey:       c.APIKey,
		Model:        c.Model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    maxTokens,
		Timeout:      c.Timeout,
		HTTPClient:   c.httpClient,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}
