// Package browser drives the ad-creative portal through a local automation
// bridge: a sidecar process that owns the real browser (and its persistent
// login profile) and exposes the page's DOM affordances over HTTP. Keeping
// the browser out of process means a crashed page never takes the scheduler
// down with it.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/wuchao05/changdu-material/internal/config"
)

const defaultRequestTimeout = 90 * time.Second

// Session talks to the automation bridge. It satisfies the uploader's
// session interface; exactly one goroutine drives it at a time.
type Session struct {
	baseURL string
	// portalURLTemplate contains %s for the account id.
	portalURLTemplate string
	httpClient        *http.Client
}

// NewSessionFromEnv builds a Session from BRIDGE_BASE_URL and
// PORTAL_URL_TEMPLATE.
func NewSessionFromEnv() (*Session, error) {
	baseURL := strings.TrimRight(config.String("BRIDGE_BASE_URL", "http://127.0.0.1:9321"), "/")
	tmpl := config.String("PORTAL_URL_TEMPLATE", "")
	if tmpl == "" {
		return nil, errors.New("browser: PORTAL_URL_TEMPLATE must be set")
	}
	return NewSession(baseURL, tmpl), nil
}

// NewSession builds a Session against the bridge at baseURL.
func NewSession(baseURL, portalURLTemplate string) *Session {
	return &Session{
		baseURL:           strings.TrimRight(baseURL, "/"),
		portalURLTemplate: portalURLTemplate,
		httpClient:        &http.Client{Timeout: config.Duration("BRIDGE_TIMEOUT", defaultRequestTimeout)},
	}
}

type bridgeResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (s *Session) call(ctx context.Context, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "browser: encode bridge payload")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "browser: build bridge request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "browser: bridge call %s", path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "browser: read bridge response")
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("browser: bridge %s http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed bridgeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return errors.Wrapf(err, "browser: decode bridge response for %s", path)
	}
	if parsed.Code != 0 {
		return errors.Errorf("browser: bridge %s failed: code=%d msg=%s", path, parsed.Code, parsed.Msg)
	}
	if out != nil && len(parsed.Data) > 0 {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return errors.Wrapf(err, "browser: decode bridge data for %s", path)
		}
	}
	return nil
}

// Authenticated asks the bridge whether the persisted profile still holds a
// valid portal login.
func (s *Session) Authenticated() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var status struct {
		LoggedIn bool `json:"logged_in"`
	}
	if err := s.call(ctx, "/session/status", nil, &status); err != nil {
		log.Warn().Err(err).Msg("query bridge session status failed")
		return false
	}
	return status.LoggedIn
}

// OpenCreativePage navigates to the upload portal for the account.
func (s *Session) OpenCreativePage(ctx context.Context, account string) error {
	url := strings.ReplaceAll(s.portalURLTemplate, "%s", account)
	return s.call(ctx, "/page/open", map[string]string{"url": url}, nil)
}

// TriggerUpload clicks the upload affordance.
func (s *Session) TriggerUpload(ctx context.Context) error {
	return s.call(ctx, "/page/trigger-upload", nil, nil)
}

// WaitForSurface blocks until the upload surface has rendered.
func (s *Session) WaitForSurface(ctx context.Context) error {
	return s.call(ctx, "/page/wait-surface", nil, nil)
}

// SubmitFiles supplies local file paths to the upload surface.
func (s *Session) SubmitFiles(ctx context.Context, paths []string) error {
	return s.call(ctx, "/page/set-files", map[string][]string{"paths": paths}, nil)
}

// CountIndicators samples the per-file progress indicators.
func (s *Session) CountIndicators(ctx context.Context) (found, succeeded int, err error) {
	var data struct {
		Found     int `json:"found"`
		Succeeded int `json:"succeeded"`
	}
	if err := s.call(ctx, "/page/indicators", nil, &data); err != nil {
		return 0, 0, err
	}
	return data.Found, data.Succeeded, nil
}

// Commit confirms the current batch.
func (s *Session) Commit(ctx context.Context) error {
	return s.call(ctx, "/page/commit", nil, nil)
}

// Cancel abandons the current batch.
func (s *Session) Cancel(ctx context.Context) error {
	return s.call(ctx, "/page/cancel", nil, nil)
}

// Reload reloads the portal page.
func (s *Session) Reload(ctx context.Context) error {
	return s.call(ctx, "/page/reload", nil, nil)
}

// Close tears the bridge session down.
func (s *Session) Close(ctx context.Context) error {
	return s.call(ctx, "/session/close", nil, nil)
}
