// Package github talks to GitHub issues through the gh CLI.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Issue is a GitHub issue as reported by `gh issue list --json`.
type Issue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	URL       string     `json:"url"`
	Labels    []string   `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	ClosedAt  *time.Time `json:"closedAt"`
}

// IsClosed reports whether the issue is closed.
func (i Issue) IsClosed() bool { return strings.EqualFold(i.State, "closed") }

// Client lists and creates issues.
type Client interface {
	ListIssues(ctx context.Context, owner, repo string, limit int) ([]Issue, error)
	CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error)
}

// CLI implements Client using the gh CLI.
type CLI struct {
	// Run executes gh with args and returns trimmed stdout.
	Run func(ctx context.Context, args ...string) (string, error)
}

// NewCLI returns a CLI client backed by the gh binary on PATH.
func NewCLI() *CLI {
	return &CLI{Run: ghCmd}
}

func ghCmd(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

type issueRaw struct {
	Issue
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (r issueRaw) issue() Issue {
	is := r.Issue
	if is.ClosedAt != nil && is.ClosedAt.IsZero() {
		is.ClosedAt = nil
	}
	for _, l := range r.Labels {
		is.Labels = append(is.Labels, l.Name)
	}
	return is
}

func (c *CLI) ListIssues(ctx context.Context, owner, repo string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := c.Run(ctx, "issue", "list",
		"--repo", owner+"/"+repo,
		"--state", "all",
		"--limit", strconv.Itoa(limit),
		"--json", "number,title,body,state,labels,url,createdAt,closedAt",
	)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var raw []issueRaw
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issues: %w", err)
	}
	issues := make([]Issue, len(raw))
	for i, r := range raw {
		issues[i] = r.issue()
	}
	return issues, nil
}

// CreateIssue opens an issue and returns it as gh reports it afterwards.
func (c *CLI) CreateIssue(ctx context.Context, owner, repo, title, body string, labels []string) (*Issue, error) {
	args := []string{"issue", "create", "--repo", owner + "/" + repo, "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}
	out, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	// gh prints the new issue URL on the last line.
	lines := strings.Split(out, "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	number, err := issueNumber(url)
	if err != nil {
		return nil, err
	}

	out, err = c.Run(ctx, "issue", "view", strconv.Itoa(number),
		"--repo", owner+"/"+repo,
		"--json", "number,title,body,state,labels,url,createdAt,closedAt",
	)
	if err != nil {
		return nil, err
	}
	var raw issueRaw
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse issue: %w", err)
	}
	is := raw.issue()
	return &is, nil
}

func issueNumber(url string) (int, error) {
	i := strings.LastIndex(url, "/issues/")
	if i < 0 {
		return 0, fmt.Errorf("unexpected gh output %q", url)
	}
	n, err := strconv.Atoi(url[i+len("/issues/"):])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unexpected gh output %q", url)
	}
	return n, nil
}

// ParseRepo accepts "owner/repo" or a GitHub remote URL (SSH or HTTPS).
func ParseRepo(s string) (owner, repo string, err error) {
	path := s
	switch {
	case strings.HasPrefix(s, "git@"):
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", s)
		}
		path = parts[1]
	case strings.Contains(s, "://"):
		path = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
		path = strings.TrimPrefix(path, "github.com/")
	}
	path = strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git")
	segments := strings.Split(path, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", s)
	}
	return segments[0], segments[1], nil
}
