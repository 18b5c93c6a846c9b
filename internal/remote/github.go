package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// GitHubConfig addresses a file in a repository through the contents API.
type GitHubConfig struct {
	APIURL string // default https://api.github.com
	Owner  string
	Repo   string
	Branch string // default main
	Token  string

	// CommitMessage is used for every write. "{path}" is replaced with the
	// file path.
	CommitMessage string

	HTTPClient *http.Client
}

// GitHubBackend stores documents as repository files. The version token is
// the blob SHA, and writes are conditional on it.
type GitHubBackend struct {
	config GitHubConfig
	client *github.Client
	now    func() time.Time
}

// NewGitHubBackend creates a contents API backend.
func NewGitHubBackend(config GitHubConfig) (*GitHubBackend, error) {
	if config.APIURL == "" {
		config.APIURL = "https://api.github.com"
	}
	if config.Branch == "" {
		config.Branch = "main"
	}
	if config.CommitMessage == "" {
		config.CommitMessage = "stocksync: update {path}"
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	base, err := url.Parse(strings.TrimRight(config.APIURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", config.APIURL, err)
	}
	client := github.NewClient(httpClient)
	if config.Token != "" {
		client = client.WithAuthToken(config.Token)
	}
	client.BaseURL = base

	return &GitHubBackend{config: config, client: client, now: time.Now}, nil
}

func (g *GitHubBackend) Name() string { return "github" }

func (g *GitHubBackend) Get(ctx context.Context, key string) (*Blob, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.config.Owner, g.config.Repo, key,
		&github.RepositoryContentGetOptions{Ref: g.config.Branch})
	if err != nil {
		return nil, g.classify(err)
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s is a directory", ErrMalformedRemoteData, key)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode content: %v", ErrMalformedRemoteData, err)
	}
	return &Blob{Content: []byte(content), Token: file.GetSHA()}, nil
}

func (g *GitHubBackend) Put(ctx context.Context, key string, content []byte, expectedToken string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(strings.ReplaceAll(g.config.CommitMessage, "{path}", key)),
		Content: content,
		Branch:  github.Ptr(g.config.Branch),
	}

	var (
		res *github.RepositoryContentResponse
		err error
	)
	if expectedToken == "" {
		res, _, err = g.client.Repositories.CreateFile(ctx, g.config.Owner, g.config.Repo, key, opts)
	} else {
		opts.SHA = github.Ptr(expectedToken)
		res, _, err = g.client.Repositories.UpdateFile(ctx, g.config.Owner, g.config.Repo, key, opts)
	}
	if err != nil {
		err = g.classify(err)
		// Creating over an existing file and updating a missing one both
		// mean our view of the file is stale.
		var ge *github.ErrorResponse
		if errors.As(err, &ge) && ge.Response != nil &&
			ge.Response.StatusCode == http.StatusUnprocessableEntity && strings.Contains(ge.Message, "sha") {
			return "", fmt.Errorf("%w: %s", ErrVersionConflict, ge.Message)
		}
		if errors.Is(err, ErrNotFound) && expectedToken != "" {
			return "", fmt.Errorf("%w: %s no longer exists", ErrVersionConflict, key)
		}
		return "", err
	}

	if res == nil || res.Content.GetSHA() == "" {
		return "", fmt.Errorf("update response carried no sha")
	}
	return res.Content.GetSHA(), nil
}

// classify maps go-github errors onto the error taxonomy. Responses that
// fit no class keep the *github.ErrorResponse in the chain.
func (g *GitHubBackend) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitError{RetryAfter: g.until(rle.Rate.Reset.Time)}
	}
	var are *github.AbuseRateLimitError
	if errors.As(err, &are) {
		return &RateLimitError{RetryAfter: are.GetRetryAfter()}
	}

	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || ge.Response == nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return fmt.Errorf("%w: %v", ErrMalformedRemoteData, err)
	}

	msg := ge.Message
	switch ge.Response.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrVersionConflict, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailure, msg)
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfterHeader(ge.Response.Header)}
	case http.StatusForbidden:
		if strings.Contains(strings.ToLower(msg), "rate limit") {
			return &RateLimitError{RetryAfter: retryAfterHeader(ge.Response.Header)}
		}
		return fmt.Errorf("%w: %s", ErrAuthFailure, msg)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	case http.StatusUnprocessableEntity:
		return err
	}
	return &HTTPError{StatusCode: ge.Response.StatusCode, Body: msg}
}

func (g *GitHubBackend) until(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	if d := t.Sub(g.now()); d > 0 {
		return d
	}
	return 0
}

func retryAfterHeader(h http.Header) time.Duration {
	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
