package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// Ollama generates text through an Ollama server.
type Ollama struct {
	client *api.Client
}

// NewOllama creates a generator for the Ollama server at serverURL. Any path on the
// URL, such as /api/chat, is ignored.
func NewOllama(serverURL string, httpClient *http.Client) (*Ollama, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: scheme and host required", serverURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base := &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	return &Ollama{client: api.NewClient(base, httpClient)}, nil
}

// Describe sends prompt and the optional base64 image to model and returns the reply.
func (o *Ollama) Describe(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	msg := api.Message{Role: "user", Content: prompt}
	if imgB64 != "" {
		img, err := base64.StdEncoding.DecodeString(imgB64)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 image: %w", err)
		}
		msg.Images = []api.ImageData{api.ImageData(img)}
	}

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: []api.Message{msg},
		Stream:   &stream,
		Options: map[string]any{
			"temperature": 0.2,
		},
	}

	var out strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat error: %w", err)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("empty response from ollama")
	}
	return out.String(), nil
}
