package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"remedyai-backend/internal/rules"
)

// Request is the contract with the external executor: an opaque runner that
// performs one action and reports an exit code.
type Request struct {
	ActionType     rules.ActionType `json:"actionType"`
	Target         string           `json:"target"`
	Parameters     map[string]any   `json:"parameters"`
	TimeoutSeconds int              `json:"timeoutSeconds"`
}

type Result struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"durationMs"`
}

type Transport interface {
	Call(ctx context.Context, req Request) (Result, error)
}

type HTTPTransport struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPTransport(endpoint string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Call(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// Registry maps action types to transports, with an optional default used
// for types without a dedicated runner.
type Registry struct {
	transports map[rules.ActionType]Transport
	fallback   Transport
}

func NewRegistry(transports map[rules.ActionType]Transport, fallback Transport) *Registry {
	return &Registry{transports: transports, fallback: fallback}
}

func (r *Registry) TransportFor(actionType rules.ActionType) (Transport, error) {
	if t, ok := r.transports[actionType]; ok {
		return t, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor configured for action type %q", actionType)
}
