package scm

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"github.com/taskhub/taskhub/pkg/cerr"
)

// GitHub implements Collaborator against a single repository.
type GitHub struct {
	client     *github.Client
	owner      string
	repo       string
	baseBranch string
}

var _ Collaborator = (*GitHub)(nil)

func NewGitHub(token, owner, repo, baseBranch string) *GitHub {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &GitHub{
		client:     github.NewClient(nil).WithAuthToken(token),
		owner:      owner,
		repo:       repo,
		baseBranch: baseBranch,
	}
}

func (g *GitHub) CreateBranch(ctx context.Context, name string) error {
	baseRef, _, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "refs/heads/"+g.baseBranch)
	if err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to resolve base branch", err)
	}
	_, _, err = g.client.Git.CreateRef(ctx, g.owner, g.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to create branch %s", name), err)
	}
	return nil
}

func (g *GitHub) CommitFiles(ctx context.Context, branch string, files []File, message string) error {
	for _, f := range files {
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: []byte(f.Content),
			Branch:  github.String(branch),
		}
		// Update needs the current blob SHA; create does not.
		existing, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, f.Path,
			&github.RepositoryContentGetOptions{Ref: branch})
		if err == nil && existing != nil {
			opts.SHA = existing.SHA
			if _, _, err := g.client.Repositories.UpdateFile(ctx, g.owner, g.repo, f.Path, opts); err != nil {
				return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to update %s", f.Path), err)
			}
			continue
		}
		if _, _, err := g.client.Repositories.CreateFile(ctx, g.owner, g.repo, f.Path, opts); err != nil {
			return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to create %s", f.Path), err)
		}
	}
	return nil
}

func (g *GitHub) OpenReview(ctx context.Context, branch, title, body string) (int64, string, error) {
	pr, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(g.baseBranch),
		Body:  github.String(body),
	})
	if err != nil {
		return 0, "", cerr.NewError(cerr.Unavailable, "failed to open pull request", err)
	}
	return int64(pr.GetNumber()), pr.GetHTMLURL(), nil
}

func (g *GitHub) MergeReview(ctx context.Context, id int64) (string, error) {
	result, _, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, int(id), "", nil)
	if err != nil {
		return "", cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to merge pull request #%d", id), err)
	}
	return result.GetSHA(), nil
}

func (g *GitHub) CloseReview(ctx context.Context, id int64, reason string) error {
	if reason != "" {
		_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, int(id), &github.IssueComment{
			Body: github.String(reason),
		})
		if err != nil {
			return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to comment on pull request #%d", id), err)
		}
	}
	_, _, err := g.client.PullRequests.Edit(ctx, g.owner, g.repo, int(id), &github.PullRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to close pull request #%d", id), err)
	}
	return nil
}

func (g *GitHub) ListOpenReviews(ctx context.Context, limit int) ([]*Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to list pull requests", err)
	}
	reviews := make([]*Review, 0, len(prs))
	for _, pr := range prs {
		reviews = append(reviews, &Review{
			ID:        int64(pr.GetNumber()),
			Title:     pr.GetTitle(),
			Author:    pr.GetUser().GetLogin(),
			URL:       pr.GetHTMLURL(),
			Mergeable: pr.GetMergeable(),
		})
	}
	return reviews, nil
}
