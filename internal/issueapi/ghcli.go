package issueapi

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// The gh CLI fronts both GitHub quota pools: REST calls bill the core
// resource, GraphQL calls bill the graphql resource. Each gets its own
// transport so the client can play one pool against the other.

// isRateLimited reports whether gh failed because the quota is spent
func isRateLimited(output []byte) bool {
	s := strings.ToLower(string(output))
	return strings.Contains(s, "rate limit exceeded") || strings.Contains(s, "secondary rate limit")
}

// splitQuotaResponse separates the rate-limit headers of a `gh api -i`
// response from its body. Output without a header block passes through
// with an unknown quota.
func splitQuotaResponse(out []byte) (Quota, []byte) {
	s := string(out)
	head, body, found := strings.Cut(s, "\r\n\r\n")
	if !found {
		head, body, found = strings.Cut(s, "\n\n")
	}
	if !found || !strings.HasPrefix(head, "HTTP/") {
		return Quota{}, out
	}

	var q Quota
	for _, line := range strings.Split(head, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "x-ratelimit-limit":
			q.Limit, _ = strconv.Atoi(value)
		case "x-ratelimit-remaining":
			q.Remaining, _ = strconv.Atoi(value)
		case "x-ratelimit-reset":
			if sec, err := strconv.ParseInt(value, 10, 64); err == nil {
				q.ResetAt = time.Unix(sec, 0)
			}
		}
	}
	return q, []byte(body)
}

type rateLimitResponse struct {
	Resources map[string]struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"resources"`
}

func probeResource(ctx context.Context, resource string) (Quota, error) {
	cmd := exec.CommandContext(ctx, "gh", "api", "rate_limit")
	out, err := cmd.Output()
	if err != nil {
		return Quota{}, fmt.Errorf("gh api rate_limit: %w", err)
	}

	var resp rateLimitResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Quota{}, fmt.Errorf("parse rate_limit: %w", err)
	}
	res, ok := resp.Resources[resource]
	if !ok {
		return Quota{}, fmt.Errorf("rate_limit response missing resource %q", resource)
	}
	return Quota{
		Remaining: res.Remaining,
		Limit:     res.Limit,
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}

// GraphQLTransport serves reads through GitHub's GraphQL endpoint, which
// carries its own quota pool. It is the cheap bulk transport.
type GraphQLTransport struct {
	Repo string // owner/name
}

// Name identifies the transport in logs and events
func (t *GraphQLTransport) Name() string { return "graphql" }

func (t *GraphQLTransport) ownerName() (string, string) {
	owner, name, _ := strings.Cut(t.Repo, "/")
	return owner, name
}

// FetchIssue reads an issue via one GraphQL query
func (t *GraphQLTransport) FetchIssue(ctx context.Context, issueID int) (*Issue, Quota, error) {
	owner, name := t.ownerName()
	query := `query($owner: String!, $name: String!, $number: Int!) {
		repository(owner: $owner, name: $name) {
			issue(number: $number) {
				number title body
				labels(first: 20) { nodes { name } }
			}
		}
	}`
	cmd := exec.CommandContext(ctx, "gh", "api", "-i", "graphql",
		"-f", "query="+query,
		"-F", "owner="+owner,
		"-F", "name="+name,
		"-F", fmt.Sprintf("number=%d", issueID))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return nil, Quota{}, ErrTransportExhausted
		}
		return nil, Quota{}, fmt.Errorf("gh api graphql: %s: %w", out, err)
	}
	q, body := splitQuotaResponse(out)

	var resp struct {
		Data struct {
			Repository struct {
				Issue struct {
					Number int    `json:"number"`
					Title  string `json:"title"`
					Body   string `json:"body"`
					Labels struct {
						Nodes []struct {
							Name string `json:"name"`
						} `json:"nodes"`
					} `json:"labels"`
				} `json:"issue"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, q, fmt.Errorf("parse graphql response: %w", err)
	}

	gi := resp.Data.Repository.Issue
	issue := &Issue{Number: gi.Number, Title: gi.Title, Body: gi.Body}
	for _, l := range gi.Labels.Nodes {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, q, nil
}

// ListComments reads an issue's comments via GraphQL
func (t *GraphQLTransport) ListComments(ctx context.Context, issueID int) ([]Comment, Quota, error) {
	owner, name := t.ownerName()
	query := `query($owner: String!, $name: String!, $number: Int!) {
		repository(owner: $owner, name: $name) {
			issue(number: $number) {
				comments(last: 50) { nodes { databaseId body } }
			}
		}
	}`
	cmd := exec.CommandContext(ctx, "gh", "api", "-i", "graphql",
		"-f", "query="+query,
		"-F", "owner="+owner,
		"-F", "name="+name,
		"-F", fmt.Sprintf("number=%d", issueID))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return nil, Quota{}, ErrTransportExhausted
		}
		return nil, Quota{}, fmt.Errorf("gh api graphql: %s: %w", out, err)
	}
	q, body := splitQuotaResponse(out)

	var resp struct {
		Data struct {
			Repository struct {
				Issue struct {
					Comments struct {
						Nodes []struct {
							DatabaseID int    `json:"databaseId"`
							Body       string `json:"body"`
						} `json:"nodes"`
					} `json:"comments"`
				} `json:"issue"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, q, fmt.Errorf("parse graphql response: %w", err)
	}

	var comments []Comment
	for _, n := range resp.Data.Repository.Issue.Comments.Nodes {
		comments = append(comments, Comment{ID: n.DatabaseID, Body: n.Body})
	}
	return comments, q, nil
}

// PostComment writes a comment via a GraphQL mutation
func (t *GraphQLTransport) PostComment(ctx context.Context, issueID int, body string) (Quota, error) {
	// Mutations need the issue node id first
	owner, name := t.ownerName()
	idQuery := `query($owner: String!, $name: String!, $number: Int!) {
		repository(owner: $owner, name: $name) { issue(number: $number) { id } }
	}`
	cmd := exec.CommandContext(ctx, "gh", "api", "-i", "graphql",
		"-f", "query="+idQuery,
		"-F", "owner="+owner,
		"-F", "name="+name,
		"-F", fmt.Sprintf("number=%d", issueID))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return Quota{}, ErrTransportExhausted
		}
		return Quota{}, fmt.Errorf("gh api graphql: %s: %w", out, err)
	}
	q, respBody := splitQuotaResponse(out)
	var idResp struct {
		Data struct {
			Repository struct {
				Issue struct {
					ID string `json:"id"`
				} `json:"issue"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &idResp); err != nil {
		return q, fmt.Errorf("parse graphql response: %w", err)
	}

	mutation := `mutation($subject: ID!, $body: String!) {
		addComment(input: {subjectId: $subject, body: $body}) { clientMutationId }
	}`
	cmd = exec.CommandContext(ctx, "gh", "api", "-i", "graphql",
		"-f", "query="+mutation,
		"-F", "subject="+idResp.Data.Repository.Issue.ID,
		"-F", "body="+body)
	out, err = cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return q, ErrTransportExhausted
		}
		return q, fmt.Errorf("gh api graphql: %s: %w", out, err)
	}
	q, _ = splitQuotaResponse(out)
	return q, nil
}

// ProbeQuota reads the graphql quota pool
func (t *GraphQLTransport) ProbeQuota(ctx context.Context) (Quota, error) {
	return probeResource(ctx, "graphql")
}

// RESTTransport serves calls through GitHub's REST endpoint, billing the
// core quota pool. It is the higher-cost per-call transport.
type RESTTransport struct {
	Repo string // owner/name
}

// Name identifies the transport in logs and events
func (t *RESTTransport) Name() string { return "rest" }

// FetchIssue reads an issue via the REST API
func (t *RESTTransport) FetchIssue(ctx context.Context, issueID int) (*Issue, Quota, error) {
	cmd := exec.CommandContext(ctx, "gh", "api", "-i",
		fmt.Sprintf("repos/%s/issues/%d", t.Repo, issueID))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return nil, Quota{}, ErrTransportExhausted
		}
		return nil, Quota{}, fmt.Errorf("gh api: %s: %w", out, err)
	}
	q, body := splitQuotaResponse(out)

	var gi struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(body, &gi); err != nil {
		return nil, q, fmt.Errorf("parse issue: %w", err)
	}

	issue := &Issue{Number: gi.Number, Title: gi.Title, Body: gi.Body}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, q, nil
}

// ListComments reads an issue's comments via the REST API
func (t *RESTTransport) ListComments(ctx context.Context, issueID int) ([]Comment, Quota, error) {
	cmd := exec.CommandContext(ctx, "gh", "api", "-i",
		fmt.Sprintf("repos/%s/issues/%d/comments", t.Repo, issueID))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return nil, Quota{}, ErrTransportExhausted
		}
		return nil, Quota{}, fmt.Errorf("gh api: %s: %w", out, err)
	}
	q, body := splitQuotaResponse(out)

	var raw []struct {
		ID   int    `json:"id"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, q, fmt.Errorf("parse comments: %w", err)
	}

	var comments []Comment
	for _, r := range raw {
		comments = append(comments, Comment{ID: r.ID, Body: r.Body})
	}
	return comments, q, nil
}

// PostComment writes a comment via the REST API
func (t *RESTTransport) PostComment(ctx context.Context, issueID int, body string) (Quota, error) {
	cmd := exec.CommandContext(ctx, "gh", "api", "-i",
		fmt.Sprintf("repos/%s/issues/%d/comments", t.Repo, issueID),
		"-f", "body="+body)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if isRateLimited(out) {
			return Quota{}, ErrTransportExhausted
		}
		return Quota{}, fmt.Errorf("gh api: %s: %w", out, err)
	}
	q, _ := splitQuotaResponse(out)
	return q, nil
}

// ProbeQuota reads the core quota pool
func (t *RESTTransport) ProbeQuota(ctx context.Context) (Quota, error) {
	return probeResource(ctx, "core")
}
