// Package nuxeo implements remote.Client over the Nuxeo REST and Automation
// APIs used by Nuxeo Drive.
package nuxeo

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nxdrive/drivesync/internal/remote"
)

// Application name sent when requesting a token.
const ApplicationName = "Nuxeo Drive"

// TopLevelRef is the file system item id of the folder grouping every
// synchronization root of a user.
const TopLevelRef = "org.nuxeo.drive.service.impl.DefaultTopLevelFolderItemFactory#"

const (
	automationPath = "/api/v1/automation/"
	uploadPath     = "/api/v1/upload/"
	tokenHeader    = "X-Authentication-Token"
	deviceHeader   = "X-Device-Id"
	idempotencyKey = "Idempotency-Key"
)

// Options configures a Client.
type Options struct {
	// URL is the server root, e.g. https://host/nuxeo.
	URL      string
	Token    string
	User     string
	DeviceID string

	Timeout        time.Duration
	SSLNoVerify    bool
	HTTPClient     *http.Client
	Logger         *log.Logger
	S3DirectUpload bool
}

// Client talks to one Nuxeo server on behalf of one user.
type Client struct {
	baseURL  string
	token    string
	user     string
	deviceID string
	http     *http.Client
	logger   *log.Logger

	infoGroup singleflight.Group

	mu sync.RWMutex
	s3 bool
}

var _ remote.Client = (*Client)(nil)

// New returns a Client. Options.URL is required.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	hc := opts.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.SSLNoVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		hc = &http.Client{Transport: transport, Timeout: opts.Timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[nuxeo] ", log.LstdFlags)
	}

	return &Client{
		baseURL:  base,
		token:    opts.Token,
		user:     opts.User,
		deviceID: opts.DeviceID,
		http:     hc,
		logger:   logger,
		s3:       opts.S3DirectUpload,
	}, nil
}

// URL returns the server root.
func (c *Client) URL() string {
	return c.baseURL
}

// SetS3 toggles direct uploads to S3 for new batches.
func (c *Client) SetS3(enabled bool) {
	c.mu.Lock()
	c.s3 = enabled
	c.mu.Unlock()
}

func (c *Client) s3Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.s3
}

// RequestToken exchanges user credentials for a long-lived token bound to
// deviceID.
func (c *Client) RequestToken(ctx context.Context, user, password string) (string, error) {
	q := url.Values{}
	q.Set("applicationName", ApplicationName)
	q.Set("deviceId", c.deviceID)
	q.Set("deviceDescription", "ndrive")
	q.Set("permission", "ReadWrite")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/authentication/token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(user, password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", remote.ErrorFromStatus(resp.StatusCode, "", strings.TrimSpace(string(body)))
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", remote.ErrUnauthorized
	}
	c.token = token
	c.user = user
	return token, nil
}

// RevokeToken invalidates the token of this device.
func (c *Client) RevokeToken(ctx context.Context) error {
	q := url.Values{}
	q.Set("applicationName", ApplicationName)
	q.Set("deviceId", c.deviceID)
	q.Set("revoke", "true")
	return c.do(ctx, http.MethodGet, "/authentication/token?"+q.Encode(), nil, nil, nil)
}

// operation runs an Automation operation with JSON params.
func (c *Client) operation(ctx context.Context, name string, input string, params map[string]any, out any) error {
	body := map[string]any{"params": params}
	if input != "" {
		body["input"] = input
	}
	return c.do(ctx, http.MethodPost, automationPath+name, body, nil, out)
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, ""); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// send authenticates and executes req.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
	if c.deviceID != "" {
		req.Header.Set(deviceHeader, c.deviceID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

type errorBody struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// checkStatus maps non-2xx responses to remote errors.
func checkStatus(resp *http.Response, ref string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &eb) == nil && eb.Message != "" {
		msg = eb.Message
	}
	return remote.ErrorFromStatus(resp.StatusCode, ref, msg)
}

// DocumentURL returns the web UI address of a document.
func (c *Client) DocumentURL(ref string, edit bool) string {
	u := c.baseURL + "/ui/#!/doc/" + DocUID(ref)
	if edit {
		u += "?view=edit"
	}
	return u
}

// DocUID extracts the repository document id from a file system item id
// ("defaultFileSystemItemFactory#default#<uid>").
func DocUID(ref string) string {
	if i := strings.LastIndex(ref, "#"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
