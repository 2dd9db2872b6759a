package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Facilitator verifies and settles payments on the caller's behalf.
type Facilitator interface {
	Verify(ctx context.Context, req *FacilitatorRequest) (*VerifyResponse, error)
	Settle(ctx context.Context, req *FacilitatorRequest) (*SettleResponse, error)
}

// FacilitatorClient talks to an x402 facilitator over HTTP.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewFacilitatorClient(baseURL string, timeout time.Duration) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify checks a payment via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorRequest) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := c.post(ctx, "/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle executes the payment on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorRequest) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.post(ctx, "/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
