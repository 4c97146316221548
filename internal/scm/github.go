// Package scm fetches change requests from the code host.
package scm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/pitabwire/util"
	"golang.org/x/oauth2"

	"github.com/antinvestor/releasegate/internal/events"
)

const (
	perPage     = 100
	maxFiles    = 3000
	maxComments = 200
)

// ErrInvalidReference is returned for references that do not name a pull request.
var ErrInvalidReference = errors.New("invalid change request reference")

// RepositoryProvider supplies the change set for a change request reference.
type RepositoryProvider interface {
	FetchChangeSet(ctx context.Context, reference string) (*events.ChangeSet, error)
}

// Reference identifies a pull request.
type Reference struct {
	Owner  string
	Repo   string
	Number int
}

func (r Reference) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

var (
	shortReferencePattern = regexp.MustCompile(`^([\w.-]+)/([\w.-]+)#(\d+)$`)
	pullURLPattern        = regexp.MustCompile(`^/([\w.-]+)/([\w.-]+)/pull/(\d+)/?$`)
)

// ParseReference accepts "owner/repo#42" or a pull request URL.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)

	var m []string
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		m = pullURLPattern.FindStringSubmatch(u.Path)
	} else {
		m = shortReferencePattern.FindStringSubmatch(s)
	}
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}

	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	return Reference{Owner: m[1], Repo: m[2], Number: n}, nil
}

// GitHubProvider implements RepositoryProvider with the GitHub REST API.
type GitHubProvider struct {
	client *github.Client
}

// NewGitHubProvider creates a provider. An empty token gives an
// unauthenticated client; a non-empty baseURL targets GitHub Enterprise.
func NewGitHubProvider(ctx context.Context, token, baseURL string) (*GitHubProvider, error) {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}

	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("configure GitHub base URL: %w", err)
		}
	}

	return NewGitHubProviderWithClient(client), nil
}

// NewGitHubProviderWithClient wraps an existing client.
func NewGitHubProviderWithClient(client *github.Client) *GitHubProvider {
	return &GitHubProvider{client: client}
}

// FetchChangeSet implements RepositoryProvider.
func (p *GitHubProvider) FetchChangeSet(ctx context.Context, reference string) (*events.ChangeSet, error) {
	log := util.Log(ctx)

	ref, err := ParseReference(reference)
	if err != nil {
		return nil, err
	}

	pr, _, err := p.client.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("get pull request %s: %w", ref, err)
	}

	cs := &events.ChangeSet{
		Reference:   ref.String(),
		Title:       pr.GetTitle(),
		Description: pr.GetBody(),
		Author:      pr.GetUser().GetLogin(),
		BaseBranch:  pr.GetBase().GetRef(),
		HeadSHA:     pr.GetHead().GetSHA(),
	}

	cs.Files, err = p.listFiles(ctx, ref)
	if err != nil {
		return nil, err
	}

	// Comments are context only, so a failure here does not fail the fetch.
	cs.Comments, err = p.listComments(ctx, ref)
	if err != nil {
		log.WithError(err).Warn("failed to list pull request comments", "reference", ref.String())
	}

	log.Debug("fetched change set",
		"reference", cs.Reference,
		"files", len(cs.Files),
		"comments", len(cs.Comments),
	)
	return cs, nil
}

func (p *GitHubProvider) listFiles(ctx context.Context, ref Reference) ([]events.FileChange, error) {
	var files []events.FileChange
	opts := &github.ListOptions{PerPage: perPage}

	for {
		page, resp, err := p.client.PullRequests.ListFiles(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("list files of %s: %w", ref, err)
		}
		for _, f := range page {
			files = append(files, events.FileChange{
				Path:      f.GetFilename(),
				Status:    f.GetStatus(),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Patch:     f.GetPatch(),
			})
		}
		if resp.NextPage == 0 || len(files) >= maxFiles {
			break
		}
		opts.Page = resp.NextPage
	}
	return files, nil
}

func (p *GitHubProvider) listComments(ctx context.Context, ref Reference) ([]string, error) {
	var comments []string
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	for {
		page, resp, err := p.client.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return comments, fmt.Errorf("list comments of %s: %w", ref, err)
		}
		for _, c := range page {
			comments = append(comments, c.GetBody())
		}
		if resp.NextPage == 0 || len(comments) >= maxComments {
			break
		}
		opts.Page = resp.NextPage
	}
	return comments, nil
}
