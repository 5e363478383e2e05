// Package textgen implements the outbound text-generation service
// contract (§6): POST /api/generate {model, prompt, stream:false} ->
// {response}. It is the one external collaborator the llm, code,
// review, and planner executors all share. The request/response shape
// and error classification mirror the teacher's Ollama-flavored HTTP
// client plumbing (internal/infra/llm), minus streaming and
// multi-provider routing, which this engine's narrow contract doesn't
// need.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	taskerrors "taskengine/internal/errors"
)

// Request is the outbound payload (§6).
type Request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Response is the inbound payload (§6).
type Response struct {
	Response string `json:"response"`
}

// Client generates text from a prompt via the external service.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// HTTPClient is the default Client, talking to a single configured
// endpoint over HTTP.
type HTTPClient struct {
	Endpoint string
	Model    string
	HTTP     *http.Client
}

// NewHTTPClient returns an HTTPClient with a bounded default timeout.
func NewHTTPClient(endpoint, model string) *HTTPClient {
	return &HTTPClient{
		Endpoint: endpoint,
		Model:    model,
		HTTP:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// Generate posts req to the configured endpoint. A non-2xx response is
// a retryable server_error failure (§6); malformed JSON or a transport
// failure surfaces as a PermanentError / TransientError the retry
// manager's built-in heuristics already recognize by message.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = c.Model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, taskerrors.NewPermanentError(err, "invalid text-generation endpoint")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, taskerrors.NewTransientError(err, "text-generation service unreachable: "+err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read generate response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, taskerrors.NewTransientError(
			fmt.Errorf("text-generation service returned %d: %s", resp.StatusCode, string(data)),
			fmt.Sprintf("server error %d from text-generation service", resp.StatusCode),
		)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{}, taskerrors.NewPermanentError(err, "malformed text-generation response")
	}
	return out, nil
}
