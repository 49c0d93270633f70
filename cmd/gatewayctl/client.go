package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/config"
)

// cliTokenTTL bounds tokens minted on the fly for one command.
const cliTokenTTL = 5 * time.Minute

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient resolves the base URL and token. Without --token the client
// mints one from the config secret carrying the given scope.
func newAPIClient(opts *rootOptions, scope string) (*apiClient, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	baseURL := normalizeBaseURL(opts.apiBaseURL)
	if baseURL == "" {
		baseURL = defaultAPIBaseURL(cfg.Server.Addr)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("api url is required")
	}
	token := strings.TrimSpace(opts.token)
	if token == "" {
		token, _, err = auth.GenerateToken("gatewayctl", cfg.Auth.JWTSecret, cliTokenTTL, scope)
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
	}
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: opts.timeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
