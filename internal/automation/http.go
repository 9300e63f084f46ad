package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chriswu/outreach-scheduler/internal/breaker"
	"github.com/chriswu/outreach-scheduler/internal/models"
)

// HTTPActor bridges to the browser automation sidecar over its REST API. The
// sidecar owns sessions and selectors; this side only issues actions and
// interprets the structured failure codes.
type HTTPActor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPActor(baseURL string) *HTTPActor {
	return &HTTPActor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// Sidecar failure codes mapped onto the worker's sentinels.
const (
	codeSelectorNotFound = "selector_not_found"
	codeChallenge        = "challenge"
)

type actionResponse struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (a *HTTPActor) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &breaker.HTTPStatusError{Status: resp.StatusCode, Msg: string(msg)}
	}

	var ar actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !ar.OK {
		switch ar.Code {
		case codeSelectorNotFound:
			return fmt.Errorf("%s: %w", ar.Error, ErrSelectorNotFound)
		case codeChallenge:
			return fmt.Errorf("%s: %w", ar.Error, ErrChallengeDetected)
		default:
			return fmt.Errorf("automation failed: %s", ar.Error)
		}
	}
	if out != nil && len(ar.Data) > 0 {
		if err := json.Unmarshal(ar.Data, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (a *HTTPActor) CheckLogin(ctx context.Context, accountID string) (bool, error) {
	var out struct {
		LoggedIn bool `json:"logged_in"`
	}
	if err := a.do(ctx, http.MethodGet, "/accounts/"+accountID+"/session", nil, &out); err != nil {
		return false, err
	}
	return out.LoggedIn, nil
}

func (a *HTTPActor) RunCanary(ctx context.Context, accountID string) error {
	return a.do(ctx, http.MethodPost, "/accounts/"+accountID+"/canary", nil, nil)
}

func (a *HTTPActor) DetectChallenge(ctx context.Context, accountID string) (bool, error) {
	var out struct {
		Challenged bool `json:"challenged"`
	}
	if err := a.do(ctx, http.MethodGet, "/accounts/"+accountID+"/challenge", nil, &out); err != nil {
		return false, err
	}
	return out.Challenged, nil
}

func (a *HTTPActor) SendInvite(ctx context.Context, accountID string, p models.InvitePayload) error {
	return a.do(ctx, http.MethodPost, "/accounts/"+accountID+"/invite", p, nil)
}

func (a *HTTPActor) CheckAcceptance(ctx context.Context, accountID string, p models.AcceptanceCheckPayload) (AcceptanceResult, error) {
	var out AcceptanceResult
	err := a.do(ctx, http.MethodPost, "/accounts/"+accountID+"/acceptance", p, &out)
	return out, err
}

func (a *HTTPActor) SendMessage(ctx context.Context, accountID string, p models.MessagePayload) error {
	return a.do(ctx, http.MethodPost, "/accounts/"+accountID+"/message", p, nil)
}

func (a *HTTPActor) RunHygiene(ctx context.Context, accountID string, p models.HygienePayload) (HygieneResult, error) {
	var out HygieneResult
	err := a.do(ctx, http.MethodPost, "/accounts/"+accountID+"/hygiene", p, &out)
	return out, err
}
