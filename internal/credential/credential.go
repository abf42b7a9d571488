// Package credential resolves the bearer token used for the remote repository.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/oauth2"
)

// ErrNoCredential is returned when no provider has a token.
var ErrNoCredential = errors.New("no credential available")

// Provider yields a bearer token or ErrNoCredential.
type Provider interface {
	Name() string
	Token(ctx context.Context) (string, error)
}

// Env reads the token from an environment variable.
type Env struct {
	Var string
}

func (e Env) Name() string { return "env:" + e.Var }

func (e Env) Token(context.Context) (string, error) {
	if v := strings.TrimSpace(os.Getenv(e.Var)); v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// GHCLI asks an authenticated gh CLI for its token.
type GHCLI struct {
	// Run executes gh with args; defaults to the real binary.
	Run func(ctx context.Context, args ...string) (string, error)
}

func (g GHCLI) Name() string { return "gh" }

func (g GHCLI) Token(ctx context.Context) (string, error) {
	run := g.Run
	if run == nil {
		run = ghCmd
	}
	out, err := run(ctx, "auth", "token")
	if err != nil || strings.TrimSpace(out) == "" {
		return "", ErrNoCredential
	}
	return strings.TrimSpace(out), nil
}

func ghCmd(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Chain tries providers in order and returns the first token found.
type Chain []Provider

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, p := range c {
		names[i] = p.Name()
	}
	return strings.Join(names, ",")
}

func (c Chain) Token(ctx context.Context) (string, error) {
	_, tok, err := c.Resolve(ctx)
	return tok, err
}

// Resolve returns the name of the provider that supplied the token.
func (c Chain) Resolve(ctx context.Context) (string, string, error) {
	for _, p := range c {
		tok, err := p.Token(ctx)
		if err == nil {
			return p.Name(), tok, nil
		}
		if !errors.Is(err, ErrNoCredential) {
			return "", "", fmt.Errorf("credential %s: %w", p.Name(), err)
		}
	}
	return "", "", ErrNoCredential
}

type tokenSource struct {
	ctx context.Context
	p   Provider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.p.Token(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

// TokenSource adapts a Provider to oauth2.
func TokenSource(ctx context.Context, p Provider) oauth2.TokenSource {
	return tokenSource{ctx: ctx, p: p}
}
