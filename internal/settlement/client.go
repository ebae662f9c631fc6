package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"spartan/internal/domain"
)

// Client talks to the settlement service over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	SourceAddress string  `json:"source_address"`
	Asset         string  `json:"asset"`
	Amount        float64 `json:"amount"`
}

type submitResponse struct {
	SettlementRef string `json:"settlement_ref"`
	Error         string `json:"error,omitempty"`
}

func (c *Client) SubmitSlice(ctx context.Context, source, asset string, amount float64) (string, error) {
	body, err := json.Marshal(submitRequest{SourceAddress: source, Asset: asset, Amount: amount})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/slices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: submit slice: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read submit response: %v", domain.ErrTransient, err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: submit slice: http %d: %s", domain.ErrTransient, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode submit response: %v", domain.ErrTransient, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", domain.ErrTransient, out.Error)
	}
	return out.SettlementRef, nil
}

type priceResponse struct {
	Asset string  `json:"asset"`
	Price float64 `json:"price"`
}

func (c *Client) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/prices/"+asset, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch price: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%w: fetch price: http %d", domain.ErrTransient, resp.StatusCode)
	}
	var out priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("%w: decode price response: %v", domain.ErrTransient, err)
	}
	return out.Price, nil
}
