// Package publish opens pull requests for completed workflows.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
)

// Request describes the pull request to open.
type Request struct {
	WorkflowID string
	// Head is the branch carrying the change.
	Head  string
	Title string
	Body  string
}

// Result identifies the published pull request.
type Result struct {
	Number  int    `json:"number"`
	URL     string `json:"url"`
	Updated bool   `json:"updated"`
}

// Publisher opens or updates a pull request.
type Publisher interface {
	Publish(ctx context.Context, req Request) (Result, error)
}

// Nop publishes nothing.
type Nop struct{}

func (Nop) Publish(context.Context, Request) (Result, error) { return Result{}, nil }

// GitHub publishes through the GitHub REST API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	base   string
	retry  *RetryConfig
	logger *logging.Logger
}

// NewGitHubClient creates a GitHub client authenticated with token. An
// empty baseURL targets api.github.com.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, errors.New("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// NewGitHub returns a publisher for owner/repo targeting base.
func NewGitHub(client *github.Client, cfg config.PublishConfig, logger *logging.Logger) *GitHub {
	if logger == nil {
		logger = logging.NewNop()
	}
	base := cfg.Base
	if base == "" {
		base = "main"
	}
	return &GitHub{
		client: client,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		base:   base,
		retry:  DefaultRetryConfig(),
		logger: logger.Named("publish"),
	}
}

// Publish updates the open pull request for req.Head when one exists and
// creates it otherwise, so a resumed workflow does not open duplicates.
func (g *GitHub) Publish(ctx context.Context, req Request) (Result, error) {
	existing, err := g.find(ctx, req.Head)
	if err != nil {
		return Result{}, err
	}

	if existing != nil {
		var pr *github.PullRequest
		_, err := g.do(ctx, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			pr, resp, err = g.client.PullRequests.Edit(ctx, g.owner, g.repo, existing.GetNumber(), &github.PullRequest{
				Title: github.String(req.Title),
				Body:  github.String(req.Body),
			})
			return resp, err
		})
		if err != nil {
			return Result{}, fmt.Errorf("updating pull request #%d: %w", existing.GetNumber(), err)
		}
		g.logger.Info(ctx, "pull request updated", zap.Int("number", pr.GetNumber()))
		return Result{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Updated: true}, nil
	}

	var pr *github.PullRequest
	_, err = g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Head),
			Base:  github.String(g.base),
			Body:  github.String(req.Body),
		})
		return resp, err
	})
	if err != nil {
		return Result{}, fmt.Errorf("creating pull request: %w", err)
	}
	g.logger.Info(ctx, "pull request opened", zap.Int("number", pr.GetNumber()), zap.String("url", pr.GetHTMLURL()))
	return Result{Number: pr.GetNumber(), URL: pr.GetHTMLURL()}, nil
}

func (g *GitHub) find(ctx context.Context, head string) (*github.PullRequest, error) {
	var prs []*github.PullRequest
	_, err := g.do(ctx, func() (*github.Response, error) {
		var resp *github.Response
		var err error
		prs, resp, err = g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
			State: "open",
			Head:  g.owner + ":" + head,
			Base:  g.base,
		})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return prs[0], nil
}

func (g *GitHub) do(ctx context.Context, op func() (*github.Response, error)) (*github.Response, error) {
	return retryGitHubOperation(ctx, g.retry, g.logger, op)
}
