package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loopcast/internal/models"
)

// TokenSource resolves a profile's opaque token reference into a bearer token
// for the platform API. Token acquisition and refresh live outside this
// package.
type TokenSource func(ctx context.Context, ref string) (string, error)

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	HTTPClient *http.Client
	Tokens     TokenSource
}

// HTTPClient drives the platform's REST API.
type HTTPClient struct {
	config HTTPConfig
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client; a TokenSource is required.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	return &HTTPClient{config: cfg}, nil
}

type createBroadcastRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Privacy     string `json:"privacy,omitempty"`
}

type createBroadcastResponse struct {
	BroadcastID string `json:"broadcastId"`
}

type createStreamResponse struct {
	StreamID      string `json:"streamId"`
	IngestAddress string `json:"ingestAddress"`
	StreamName    string `json:"streamName"`
}

type bindStreamRequest struct {
	StreamID string `json:"streamId"`
}

type streamStatusResponse struct {
	Status string `json:"status"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (c *HTTPClient) Provision(ctx context.Context, profile models.Profile, settings models.BroadcastSettings) (ProvisionResult, error) {
	token, err := c.config.Tokens(ctx, profile.TokenRef)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("resolve platform token: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(profile.APIBaseURL), "/")
	if base == "" {
		return ProvisionResult{}, fmt.Errorf("profile %s has no API base URL", profile.ID)
	}

	broadcastID := strings.TrimSpace(settings.BroadcastID)
	createdBroadcast := false
	if settings.Mode == models.BroadcastModeCreateNew {
		privacy := settings.Privacy
		if privacy == "" {
			privacy = profile.DefaultPrivacy
		}
		payload := createBroadcastRequest{
			Title:       settings.Title,
			Description: settings.Description,
			Privacy:     privacy,
		}
		var response createBroadcastResponse
		if err := c.post(ctx, token, base+"/v1/broadcasts", payload, &response); err != nil {
			return ProvisionResult{}, fmt.Errorf("create broadcast: %w", err)
		}
		broadcastID = response.BroadcastID
		createdBroadcast = true
	}

	var stream createStreamResponse
	if err := c.post(ctx, token, base+"/v1/streams", struct{}{}, &stream); err != nil {
		if createdBroadcast {
			c.rollbackBroadcast(ctx, token, base, broadcastID)
		}
		return ProvisionResult{}, fmt.Errorf("create stream: %w", err)
	}

	bindURL := fmt.Sprintf("%s/v1/broadcasts/%s/bind", base, broadcastID)
	if err := c.post(ctx, token, bindURL, bindStreamRequest{StreamID: stream.StreamID}, nil); err != nil {
		c.rollbackStream(ctx, token, base, stream.StreamID)
		if createdBroadcast {
			c.rollbackBroadcast(ctx, token, base, broadcastID)
		}
		return ProvisionResult{}, fmt.Errorf("bind stream to broadcast %s: %w", broadcastID, err)
	}

	return ProvisionResult{
		BroadcastID:   broadcastID,
		StreamID:      stream.StreamID,
		IngestAddress: stream.IngestAddress,
		StreamName:    stream.StreamName,
	}, nil
}

func (c *HTTPClient) PollIngestState(ctx context.Context, profile models.Profile, streamID string) (models.StreamState, error) {
	token, err := c.config.Tokens(ctx, profile.TokenRef)
	if err != nil {
		return "", fmt.Errorf("resolve platform token: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(profile.APIBaseURL), "/")
	var response streamStatusResponse
	url := fmt.Sprintf("%s/v1/streams/%s/status", base, streamID)
	if err := c.get(ctx, token, url, &response); err != nil {
		return "", fmt.Errorf("poll stream %s: %w", streamID, err)
	}
	switch state := models.StreamState(strings.ToLower(strings.TrimSpace(response.Status))); state {
	case models.StreamStateReady, models.StreamStateTesting, models.StreamStateLive, models.StreamStateComplete:
		return state, nil
	default:
		return "", fmt.Errorf("stream %s reported unknown status %q", streamID, response.Status)
	}
}

func (c *HTTPClient) TransitionTo(ctx context.Context, profile models.Profile, broadcastID string, state models.StreamState) error {
	token, err := c.config.Tokens(ctx, profile.TokenRef)
	if err != nil {
		return fmt.Errorf("resolve platform token: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(profile.APIBaseURL), "/")
	url := fmt.Sprintf("%s/v1/broadcasts/%s/transition", base, broadcastID)
	if err := c.post(ctx, token, url, transitionRequest{Status: string(state)}, nil); err != nil {
		return fmt.Errorf("transition broadcast %s to %s: %w", broadcastID, state, err)
	}
	return nil
}

func (c *HTTPClient) rollbackBroadcast(ctx context.Context, token, base, broadcastID string) {
	_ = c.delete(ctx, token, fmt.Sprintf("%s/v1/broadcasts/%s", base, broadcastID))
}

func (c *HTTPClient) rollbackStream(ctx context.Context, token, base, streamID string) {
	_ = c.delete(ctx, token, fmt.Sprintf("%s/v1/streams/%s", base, streamID))
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.config.HTTPClient != nil {
		return c.config.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *HTTPClient) post(ctx context.Context, token, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dest == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *HTTPClient) get(ctx context.Context, token, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *HTTPClient) delete(ctx context.Context, token, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}
