package scm

import "context"

// File is one file to commit.
type File struct {
	Path    string
	Content string
}

// Review is a summary of an open code review.
type Review struct {
	ID        int64
	Title     string
	Author    string
	URL       string
	Mergeable bool
}

// Collaborator is the source-control side of task execution. The lifecycle
// engine only persists the returned ids/urls and reacts to later
// approve/reject calls keyed by them.
type Collaborator interface {
	CreateBranch(ctx context.Context, name string) error
	CommitFiles(ctx context.Context, branch string, files []File, message string) error
	// OpenReview opens a review for branch and returns its id and url.
	OpenReview(ctx context.Context, branch, title, body string) (int64, string, error)
	// MergeReview merges the review and returns the merge commit SHA.
	MergeReview(ctx context.Context, id int64) (string, error)
	CloseReview(ctx context.Context, id int64, reason string) error
	ListOpenReviews(ctx context.Context, limit int) ([]*Review, error)
}
