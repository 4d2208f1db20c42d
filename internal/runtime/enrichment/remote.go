package enrichment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// DefaultRemoteTimeout bounds one remote extraction call.
const DefaultRemoteTimeout = 30 * time.Second

// ErrRemoteStatus is returned for non-2xx answers of the analysis service.
var ErrRemoteStatus = errors.New("enrichment: remote service returned an error status")

// RemoteExtractor posts the chemical data to {BaseURL}/extract-properties.
type RemoteExtractor struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewRemoteExtractor creates a RemoteExtractor with its own HTTP client.
func NewRemoteExtractor(baseURL, apiKey string, timeout time.Duration) *RemoteExtractor {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &RemoteExtractor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

type extractRequest struct {
	Prompt       string         `json:"prompt"`
	ChemicalData map[string]any `json:"chemical_data"`
}

func (r *RemoteExtractor) Extract(ctx context.Context, payload map[string]any) (Attributes, error) {
	data := ChemicalData(payload)
	encoded, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("enrichment: encode chemical data: %w", err)
	}
	body, err := jsoncodec.Marshal(extractRequest{
		Prompt:       "Extract chemical properties for: " + string(encoded),
		ChemicalData: data,
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/extract-properties", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enrichment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultRemoteTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment: call remote service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("enrichment: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrRemoteStatus, resp.StatusCode)
	}

	obj, err := jsoncodec.UnmarshalObject(raw)
	if err != nil {
		return nil, fmt.Errorf("enrichment: decode response: %w", err)
	}
	return Attributes(obj), nil
}
