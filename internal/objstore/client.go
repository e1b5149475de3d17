// Package objstore uploads local material files to the object storage
// service fronting the ad platform, using short-lived credentials that the
// client renews before the server-granted lease expires.
package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/wuchao05/changdu-material/internal/config"
)

const (
	defaultUploadTimeout = 10 * time.Minute
	credentialTTLMin     = time.Minute
	// credentialRenewalMargin renews the lease ahead of expiry so an upload
	// started near the boundary never runs on a dead credential.
	credentialRenewalMargin = 30 * time.Second
)

// Client talks to the object storage gateway.
type Client struct {
	baseURL    string
	appKey     string
	appSecret  string
	httpClient *http.Client

	credMu       sync.Mutex
	credGroup    singleflight.Group
	credential   string
	credExpireAt time.Time
}

// NewClientFromEnv constructs a Client from environment variables:
// OBJSTORE_BASE_URL, OBJSTORE_APP_KEY, OBJSTORE_APP_SECRET.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimRight(config.String("OBJSTORE_BASE_URL", ""), "/")
	appKey := config.String("OBJSTORE_APP_KEY", "")
	appSecret := config.String("OBJSTORE_APP_SECRET", "")
	if baseURL == "" || appKey == "" || appSecret == "" {
		return nil, errors.New("objstore: OBJSTORE_BASE_URL, OBJSTORE_APP_KEY and OBJSTORE_APP_SECRET must be set")
	}
	return NewClient(baseURL, appKey, appSecret), nil
}

// NewClient constructs a Client against the given gateway base URL.
func NewClient(baseURL, appKey, appSecret string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		appKey:     appKey,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: defaultUploadTimeout},
	}
}

// getCredential returns a valid upload credential, renewing it proactively
// before the current lease expires. Concurrent callers share one renewal.
func (c *Client) getCredential(ctx context.Context) (string, error) {
	c.credMu.Lock()
	if c.credential != "" && time.Now().Before(c.credExpireAt.Add(-credentialRenewalMargin)) {
		cred := c.credential
		c.credMu.Unlock()
		return cred, nil
	}
	c.credMu.Unlock()

	val, err, _ := c.credGroup.Do("credential", func() (interface{}, error) {
		return c.fetchCredential(ctx)
	})
	if err != nil {
		return "", err
	}
	cred, _ := val.(string)
	if cred == "" {
		return "", errors.New("objstore: credential missing in response")
	}
	return cred, nil
}

func (c *Client) fetchCredential(ctx context.Context) (string, error) {
	payload := fmt.Sprintf(`{"app_key":%q,"app_secret":%q}`, c.appKey, c.appSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/credential", strings.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "objstore: build credential request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "objstore: request credential")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "objstore: read credential response")
	}
	if resp.StatusCode >= 400 {
		return "", errors.Errorf("objstore: credential http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			Credential string `json:"credential"`
			ExpiresIn  int    `json:"expires_in"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "objstore: decode credential response")
	}
	if parsed.Code != 0 {
		return "", errors.Errorf("objstore: credential error code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	if strings.TrimSpace(parsed.Data.Credential) == "" {
		return "", errors.New("objstore: credential missing in response")
	}

	ttl := time.Duration(parsed.Data.ExpiresIn) * time.Second
	if ttl < credentialTTLMin {
		ttl = credentialTTLMin
	}

	c.credMu.Lock()
	c.credential = parsed.Data.Credential
	c.credExpireAt = time.Now().Add(ttl)
	c.credMu.Unlock()

	log.Debug().Dur("ttl", ttl).Msg("objstore credential renewed")
	return parsed.Data.Credential, nil
}

// UploadFile streams the file at path to object storage and returns its
// public URL. The file body is piped straight from disk so large videos are
// never buffered in memory.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "objstore: open %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "objstore: stat %s", path)
	}

	credential, err := c.getCredential(ctx)
	if err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()
		if werr = writer.WriteField("file_name", filepath.Base(path)); werr != nil {
			return
		}
		if werr = writer.WriteField("size", strconv.FormatInt(info.Size(), 10)); werr != nil {
			return
		}
		part, perr := writer.CreateFormFile("file", filepath.Base(path))
		if perr != nil {
			werr = perr
			return
		}
		if _, werr = io.Copy(part, f); werr != nil {
			return
		}
		werr = writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files/upload", pr)
	if err != nil {
		return "", errors.Wrap(err, "objstore: build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "objstore: execute upload request")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "objstore: read upload response")
	}
	if resp.StatusCode >= 400 {
		return "", errors.Errorf("objstore: upload http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "objstore: decode upload response")
	}
	if parsed.Code != 0 {
		return "", errors.Errorf("objstore: upload failed code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	if strings.TrimSpace(parsed.Data.URL) == "" {
		return "", errors.New("objstore: upload response missing url")
	}
	return strings.TrimSpace(parsed.Data.URL), nil
}
