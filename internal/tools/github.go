package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

const GitHubConnector = "github"

// GitHubIssues abstracts the go-github issue methods we use, enabling test mocks.
type GitHubIssues interface {
	Get(ctx context.Context, owner, repo string, number int) (*github.Issue, *github.Response, error)
	Create(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, *github.Response, error)
	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}

// GitHubSearch abstracts the go-github search method we use.
type GitHubSearch interface {
	Issues(ctx context.Context, query string, opts *github.SearchOptions) (*github.IssuesSearchResult, *github.Response, error)
}

// NewGitHubClient builds an authenticated client; baseURL is only set for GitHub Enterprise.
func NewGitHubClient(ctx context.Context, token, baseURL string) (*github.Client, error) {
	var httpClient *http.Client
	if strings.TrimSpace(token) != "" {
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(httpClient)
	if base := strings.TrimSpace(baseURL); base != "" {
		return client.WithEnterpriseURLs(base, base)
	}
	return client, nil
}

// GitHubTools 暴露 issue 的搜索、读取、创建和评论
// GitHubTools exposes issue search, read, create and comment. owner/repo are the
// defaults used when the model omits them.
func GitHubTools(issues GitHubIssues, search GitHubSearch, owner, repo string) []Tool {
	g := &githubConnector{issues: issues, search: search, owner: owner, repo: repo}
	repoProps := map[string]any{
		"owner": map[string]any{"type": "string", "description": "repository owner, defaults to the configured owner"},
		"repo":  map[string]any{"type": "string", "description": "repository name, defaults to the configured repository"},
	}
	with := func(extra map[string]any) map[string]any {
		out := make(map[string]any, len(repoProps)+len(extra))
		for k, v := range repoProps {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}
	return []Tool{
		&funcTool{
			def: functionDef("github_search_issues", "Search GitHub issues and pull requests with GitHub search syntax",
				map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer", "description": "maximum results, default 10"},
				}, "query"),
			run: g.searchIssues,
		},
		&funcTool{
			def: functionDef("github_get_issue", "Read one GitHub issue",
				with(map[string]any{"number": map[string]any{"type": "integer"}}), "number"),
			run: g.getIssue,
		},
		&funcTool{
			def: functionDef("github_create_issue", "Open a new GitHub issue",
				with(map[string]any{
					"title":  map[string]any{"type": "string"},
					"body":   map[string]any{"type": "string"},
					"labels": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				}), "title"),
			run: g.createIssue,
		},
		&funcTool{
			def: functionDef("github_comment_issue", "Add a comment to a GitHub issue",
				with(map[string]any{
					"number": map[string]any{"type": "integer"},
					"body":   map[string]any{"type": "string"},
				}), "number", "body"),
			run: g.comment,
		},
	}
}

type githubConnector struct {
	issues GitHubIssues
	search GitHubSearch
	owner  string
	repo   string
}

type githubArgs struct {
	Owner  string   `json:"owner"`
	Repo   string   `json:"repo"`
	Number int      `json:"number"`
	Query  string   `json:"query"`
	Limit  int      `json:"limit"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

func (g *githubConnector) target(in githubArgs) (string, string, error) {
	owner, repo := strings.TrimSpace(in.Owner), strings.TrimSpace(in.Repo)
	if owner == "" {
		owner = g.owner
	}
	if repo == "" {
		repo = g.repo
	}
	if owner == "" || repo == "" {
		return "", "", errors.New("owner and repo are required")
	}
	return owner, repo, nil
}

func (g *githubConnector) searchIssues(ctx context.Context, args json.RawMessage) (string, error) {
	var in githubArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("query is empty")
	}
	limit := in.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	res, _, err := g.search.Issues(ctx, in.Query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: limit}})
	if err != nil {
		return "", githubError("search issues", err)
	}
	items := make([]map[string]any, 0, len(res.Issues))
	for _, is := range res.Issues {
		items = append(items, issueSummary(is))
	}
	return mustJSON(map[string]any{"ok": true, "total": res.GetTotal(), "issues": items}), nil
}

func (g *githubConnector) getIssue(ctx context.Context, args json.RawMessage) (string, error) {
	var in githubArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	owner, repo, err := g.target(in)
	if err != nil {
		return "", err
	}
	if in.Number <= 0 {
		return "", errors.New("issue number is required")
	}
	is, _, err := g.issues.Get(ctx, owner, repo, in.Number)
	if err != nil {
		return "", githubError("get issue", err)
	}
	out := issueSummary(is)
	out["body"] = is.GetBody()
	return mustJSON(map[string]any{"ok": true, "issue": out}), nil
}

func (g *githubConnector) createIssue(ctx context.Context, args json.RawMessage) (string, error) {
	var in githubArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	owner, repo, err := g.target(in)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Title) == "" {
		return "", errors.New("title is empty")
	}
	req := &github.IssueRequest{Title: github.Ptr(in.Title)}
	if in.Body != "" {
		req.Body = github.Ptr(in.Body)
	}
	if len(in.Labels) > 0 {
		req.Labels = &in.Labels
	}
	is, _, err := g.issues.Create(ctx, owner, repo, req)
	if err != nil {
		return "", githubError("create issue", err)
	}
	return mustJSON(map[string]any{"ok": true, "issue": issueSummary(is)}), nil
}

func (g *githubConnector) comment(ctx context.Context, args json.RawMessage) (string, error) {
	var in githubArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	owner, repo, err := g.target(in)
	if err != nil {
		return "", err
	}
	if in.Number <= 0 || strings.TrimSpace(in.Body) == "" {
		return "", errors.New("issue number and body are required")
	}
	c, _, err := g.issues.CreateComment(ctx, owner, repo, in.Number, &github.IssueComment{Body: github.Ptr(in.Body)})
	if err != nil {
		return "", githubError("comment on issue", err)
	}
	return mustJSON(map[string]any{"ok": true, "comment_id": c.GetID(), "url": c.GetHTMLURL()}), nil
}

func issueSummary(is *github.Issue) map[string]any {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.GetName())
	}
	return map[string]any{
		"number": is.GetNumber(),
		"title":  is.GetTitle(),
		"state":  is.GetState(),
		"url":    is.GetHTMLURL(),
		"author": is.GetUser().GetLogin(),
		"labels": labels,
	}
}

// githubError wraps err and marks rate limits and server errors as retryable.
func githubError(op string, err error) error {
	wrapped := fmt.Errorf("github %s: %w", op, err)
	var rate *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rate) || errors.As(err, &abuse) {
		return Retryable(wrapped)
	}
	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil && resp.Response.StatusCode >= 500 {
		return Retryable(wrapped)
	}
	return wrapped
}
