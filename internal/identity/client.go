package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Identity is a platform account as the identity service knows it. The
// address is the account's settlement address, already checksummed.
type Identity struct {
	ExternalID string `json:"external_id"`
	Address    string `json:"address"`
	PublicKey  string `json:"public_key"`
}

// Resolver maps platform account handles to settlement identities,
// provisioning a wallet on first sight.
type Resolver interface {
	Resolve(ctx context.Context, externalID string) (*Identity, error)
}

// Client is the HTTP resolver backed by the identity service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		logger:     logger.With("component", "identity_client"),
	}
}

func (c *Client) Resolve(ctx context.Context, externalID string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{"external_id": externalID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/identities/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity service status %d: %s", resp.StatusCode, string(respBody))
	}

	var id Identity
	if err := json.Unmarshal(respBody, &id); err != nil {
		return nil, fmt.Errorf("unmarshal identity: %w", err)
	}
	if id.Address == "" {
		return nil, fmt.Errorf("identity service returned no address for %s", externalID)
	}
	return &id, nil
}
