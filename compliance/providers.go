package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPKYCProvider calls an external identity-verification service over a
// small JSON HTTP API with a bearer token and a bounded timeout.
type HTTPKYCProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPKYCProvider constructs a KYCProvider backed by an HTTP endpoint
// shaped like Persona or Alloy: GET {baseURL}/agents/{agentID}/kyc.
func NewHTTPKYCProvider(name, baseURL, apiKey string, timeout time.Duration) (*HTTPKYCProvider, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, fmt.Errorf("compliance: kyc provider base url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPKYCProvider{
		name:       name,
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements KYCProvider.
func (p *HTTPKYCProvider) Name() string { return p.name }

// IsVerified implements KYCProvider.
func (p *HTTPKYCProvider) IsVerified(ctx context.Context, agentID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/agents/%s/kyc", p.baseURL, agentID), nil)
	if err != nil {
		return false, fmt.Errorf("compliance: kyc request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("compliance: kyc call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("compliance: kyc provider returned status %d", resp.StatusCode)
	}
	var payload struct {
		Verified bool `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("compliance: kyc decode: %w", err)
	}
	return payload.Verified, nil
}

// HTTPKYTProvider screens an address against an external sanctions/risk
// screening service, shaped like Chainalysis or TRM Labs.
type HTTPKYTProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPKYTProvider constructs a KYTProvider backed by an HTTP endpoint:
// GET {baseURL}/screen?address={address}.
func NewHTTPKYTProvider(name, baseURL, apiKey string, timeout time.Duration) (*HTTPKYTProvider, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, fmt.Errorf("compliance: kyt provider base url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPKYTProvider{
		name:       name,
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements KYTProvider.
func (p *HTTPKYTProvider) Name() string { return p.name }

// Screen implements KYTProvider.
func (p *HTTPKYTProvider) Screen(ctx context.Context, address string) (KYTResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/screen?address=%s", p.baseURL, address), nil)
	if err != nil {
		return KYTResult{}, fmt.Errorf("compliance: kyt request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return KYTResult{}, fmt.Errorf("compliance: kyt call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return KYTResult{}, fmt.Errorf("compliance: kyt provider returned status %d", resp.StatusCode)
	}
	var payload struct {
		ShouldBlock bool   `json:"shouldBlock"`
		RiskLevel   string `json:"riskLevel"`
		RuleID      string `json:"ruleId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return KYTResult{}, fmt.Errorf("compliance: kyt decode: %w", err)
	}
	return KYTResult{
		ShouldBlock: payload.ShouldBlock,
		RiskLevel:   RiskLevel(payload.RiskLevel),
		RuleID:      payload.RuleID,
	}, nil
}
