// Package githook registers pushdeploy as a push webhook on GitHub repositories.
package githook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"pushdeploy/internal/security"
)

// ErrNoToken is returned when no GitHub token was supplied
var ErrNoToken = errors.New("a GitHub token is required")

// Client manages repository webhooks
type Client struct {
	gh *github.Client
}

// NewClient creates an authenticated GitHub client
func NewClient(token string) (*Client, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{gh: github.NewClient(tc)}, nil
}

// WithBaseURL points the client at another API root, such as GitHub
// Enterprise
func (c *Client) WithBaseURL(base string) (*Client, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API url: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// HookRequest describes the webhook to register
type HookRequest struct {
	Repository string // owner/repo
	URL        string // public webhook endpoint of the pushdeploy server
	Secret     string
}

// EnsurePushHook creates a push webhook on the repository unless one with
// the same URL already exists. It reports whether a hook was created.
func (c *Client) EnsurePushHook(ctx context.Context, req HookRequest) (bool, error) {
	if err := security.ValidateRepository(req.Repository); err != nil {
		return false, err
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return false, fmt.Errorf("invalid webhook url: %w", err)
	}

	owner, repo, _ := strings.Cut(req.Repository, "/")

	// Check if webhook already exists
	opts := &github.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return false, fmt.Errorf("listing webhooks: %w", describe(err))
		}

		for _, hook := range hooks {
			if hook.Config == nil {
				continue
			}
			if existing, ok := hook.Config["url"].(string); ok && existing == req.URL {
				return false, nil
			}
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	hookConfig := map[string]interface{}{
		"url":          req.URL,
		"content_type": "json",
		"insecure_ssl": "0",
	}
	if req.Secret != "" {
		hookConfig["secret"] = req.Secret
	}

	hookReq := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: hookConfig,
	}

	if _, _, err := c.gh.Repositories.CreateHook(ctx, owner, repo, hookReq); err != nil {
		return false, fmt.Errorf("creating webhook: %w", describe(err))
	}
	return true, nil
}

// describe turns common GitHub API failures into actionable errors
func describe(err error) error {
	var ghErr *github.ErrorResponse
	if !errors.As(err, &ghErr) || ghErr.Response == nil {
		return err
	}

	switch ghErr.Response.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("token rejected by GitHub: %w", err)
	case http.StatusNotFound:
		return fmt.Errorf("repository not found or token lacks admin:repo_hook scope: %w", err)
	}
	return err
}
