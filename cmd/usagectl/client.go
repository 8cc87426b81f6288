package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"usage_ingest/internal/auth"
	"usage_ingest/internal/config"
	"usage_ingest/internal/utils"
)

// apiClient calls the ingestd HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
	// mint produces an admin token when none was given
	mint func() (string, error)
}

func newClient(opts *options) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(opts.server, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: 60 * time.Second},
		mint: func() (string, error) {
			return mintToken("usagectl", auth.RoleAdmin)
		},
	}
}

// mintToken signs a CLI token with the configured JWT secret.
func mintToken(subject string, role auth.Role) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	issuer, err := auth.NewIssuer(cfg.Auth)
	if err != nil {
		return "", err
	}
	token, _, err := issuer.GenerateAdminJWT(subject, auth.AuthTypeCLI, role)
	return token, err
}

func (c *apiClient) adminToken() (string, error) {
	if c.token != "" {
		return c.token, nil
	}
	token, err := c.mint()
	if err != nil {
		return "", fmt.Errorf("no --token given and minting one failed: %w", err)
	}
	c.token = token
	return token, nil
}

// do sends a request and decodes a JSON response into out, when non-nil.
// raw receives the undecoded body.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, admin bool) ([]byte, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		token, err := c.adminToken()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, utils.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var apiErr utils.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return raw, fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return raw, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}
