package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/joescharf/daybook/internal/models"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// GitHubConfig tunes the GitHub contents-API client.
type GitHubConfig struct {
	APIURL    string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables limiting
	Logger    *slog.Logger
}

// GitHub stores files through the repository contents API.
// Version tags are git blob SHAs.
type GitHub struct {
	apiURL  string
	target  models.SyncTarget
	tokens  oauth2.TokenSource
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewGitHub builds a client for target. Tokens are resolved lazily per request;
// a token source that fails yields ErrUnauthenticated before any network I/O.
func NewGitHub(cfg GitHubConfig, target models.SyncTarget, tokens oauth2.TokenSource) (*GitHub, error) {
	if target.Owner == "" || target.Repo == "" || target.Branch == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	src := oauth2.ReuseTokenSource(nil, tokens)
	return &GitHub{
		apiURL: strings.TrimSuffix(cfg.APIURL, "/"),
		target: target,
		tokens: src,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
		},
		limiter: rate.NewLimiter(limit, 1),
		log:     cfg.Logger,
	}, nil
}

type contentItem struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch"`
}

type writeResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

func (c *GitHub) contentsURL(path string, withRef bool) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.apiURL,
		url.PathEscape(c.target.Owner), url.PathEscape(c.target.Repo), strings.Join(segments, "/"))
	if withRef {
		u += "?ref=" + url.QueryEscape(c.target.Branch)
	}
	return u
}

// do sends a request and returns the status and body. Transport failures map to ErrUnavailable.
func (c *GitHub) do(ctx context.Context, method, u string, body any, accept string) (int, []byte, error) {
	if _, err := c.tokens.Token(); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, u, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	c.log.Debug("github request", "method", method, "url", u, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return resp.StatusCode, data, fmt.Errorf("%w: rate limited", ErrUnavailable)
	}
	return resp.StatusCode, data, nil
}

// statusError maps an unexpected HTTP status onto the remote error taxonomy.
func statusError(op, path string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrUnauthenticated
	case status == http.StatusConflict:
		kind = ErrConflict
	case status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "sha"):
		kind = ErrConflict
	case status == http.StatusNotFound:
		kind = ErrNotConfigured
	default:
		kind = ErrUnavailable
	}
	return fmt.Errorf("%s %s: %d %s: %w", op, path, status, msg, kind)
}

func (c *GitHub) ReadFile(ctx context.Context, path string) (*File, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.contentsURL(path, true), nil, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, statusError("read", path, status, body)
	}

	var item contentItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("%w: read %s: decode response: %v", ErrUnavailable, path, err)
	}
	if item.Type != "file" {
		return nil, fmt.Errorf("read %s: not a file (%s)", path, item.Type)
	}

	var content []byte
	if item.Encoding == "base64" {
		content, err = base64.StdEncoding.DecodeString(strings.ReplaceAll(item.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: decode content: %v", ErrUnavailable, path, err)
		}
	} else {
		// Files above the inline size limit come back without content.
		status, content, err = c.do(ctx, http.MethodGet, c.contentsURL(path, true), nil, "application/vnd.github.raw")
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusError("read", path, status, content)
		}
	}
	return &File{Path: path, Content: content, VersionTag: item.SHA}, nil
}

func (c *GitHub) WriteFile(ctx context.Context, path string, content []byte, expectedTag string) (string, error) {
	req := writeRequest{
		Message: "daybook: update " + path,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     expectedTag,
		Branch:  c.target.Branch,
	}
	status, body, err := c.do(ctx, http.MethodPut, c.contentsURL(path, false), req, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", statusError("write", path, status, body)
	}
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: write %s: decode response: %v", ErrUnavailable, path, err)
	}
	return resp.Content.SHA, nil
}

func (c *GitHub) ListDirectory(ctx context.Context, dir string) ([]Entry, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.contentsURL(dir, true), nil, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, statusError("list", dir, status, body)
	}

	var items []contentItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: list %s: decode response: %v", ErrUnavailable, dir, err)
	}
	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, Entry{Path: it.Path, Name: it.Name, VersionTag: it.SHA, IsDir: it.Type == "dir"})
	}
	return entries, nil
}

func (c *GitHub) DeleteFile(ctx context.Context, path, versionTag string) error {
	req := writeRequest{
		Message: "daybook: delete " + path,
		SHA:     versionTag,
		Branch:  c.target.Branch,
	}
	status, body, err := c.do(ctx, http.MethodDelete, c.contentsURL(path, false), req, "")
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNotFound:
		return nil
	}
	return statusError("delete", path, status, body)
}

// CheckAccess verifies the repository and branch are reachable with the current credential.
func (c *GitHub) CheckAccess(ctx context.Context) error {
	u := fmt.Sprintf("%s/repos/%s/%s/branches/%s", c.apiURL,
		url.PathEscape(c.target.Owner), url.PathEscape(c.target.Repo), url.PathEscape(c.target.Branch))
	status, body, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		err := statusError("check", c.target.FullName()+"@"+c.target.Branch, status, body)
		if errors.Is(err, ErrNotConfigured) {
			return fmt.Errorf("repository or branch not found: %w", err)
		}
		return err
	}
	return nil
}
