// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v43/github"
	"github.com/shurcooL/githubv4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/triggererr"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

// DispatchEventName is the name of the workflow trigger event that
// repository dispatch requests create.
const DispatchEventName = "repository_dispatch"

type Option func(*options)

type options struct {
	apiURL    string
	userAgent string
	timeout   time.Duration
}

// WithAPIURL sets the base URL of a GitHub Enterprise server.
func WithAPIURL(apiURL string) Option {
	return func(o *options) {
		o.apiURL = apiURL
	}
}

// WithUserAgent sets the User-Agent header that is sent with REST API
// requests.
func WithUserAgent(userAgent string) Option {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New returns a new github api client.
// The token is sent as "Authorization: token <TOKEN>" header.
func New(apiToken string, opts ...Option) (*Client, error) {
	o := options{timeout: DefaultHTTPClientTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := newHTTPClient(apiToken, o.timeout)

	clt := Client{
		logger: zap.L().Named(loggerName),
	}

	if o.apiURL == "" {
		clt.restClt = github.NewClient(httpClient)
		clt.graphQLClt = githubv4.NewClient(httpClient)
	} else {
		restURL, graphQLURL, err := enterpriseURLs(o.apiURL)
		if err != nil {
			return nil, err
		}

		clt.restClt, err = github.NewEnterpriseClient(restURL, restURL, httpClient)
		if err != nil {
			return nil, err
		}

		clt.graphQLClt = githubv4.NewEnterpriseClient(graphQLURL, httpClient)
	}

	if o.userAgent != "" {
		clt.restClt.UserAgent = o.userAgent
	}

	return &clt, nil
}

// enterpriseURLs returns the REST and GraphQL endpoint URLs of a GitHub
// Enterprise server, apiURL is either the base URL of the server or the
// URL of its REST API (ending in /api/v3).
func enterpriseURLs(apiURL string) (restURL, graphQLURL string, err error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing github api url failed: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("github api url %q is not absolute", apiURL)
	}

	base := strings.TrimSuffix(strings.TrimSuffix(apiURL, "/"), "/api/v3")

	return base + "/api/v3/", base + "/api/graphql", nil
}

func newHTTPClient(apiToken string, timeout time.Duration) *http.Client {
	baseClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}

	if apiToken == "" {
		return baseClient
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken, TokenType: "token"},
	)

	tc := oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, baseClient), ts)
	tc.Timeout = timeout

	return tc
}

// Client is an github API client.
// All methods return a triggererr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// Dispatch sends a repository dispatch request.
// Rejected requests are returned as triggererr.DispatchError.
func (clt *Client) Dispatch(ctx context.Context, owner, repo string, req *payload.Request) error {
	rawPayload, err := req.RawClientPayload()
	if err != nil {
		return fmt.Errorf("marshaling client_payload failed: %w", err)
	}

	_, _, err = clt.restClt.Repositories.Dispatch(ctx, owner, repo, github.DispatchRequestOptions{
		EventType:     req.EventType,
		ClientPayload: &rawPayload,
	})
	if err != nil {
		return clt.wrapErrors(err)
	}

	clt.logger.Debug(
		"repository dispatch sent",
		logfields.Event("github_repository_dispatch_sent"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		logfields.DispatchEventType(req.EventType),
		logfields.DispatchID(req.DispatchID()),
	)

	return nil
}

// ViewerPermission returns the login of the token owner and its permission
// on the repository.
func (clt *Client) ViewerPermission(ctx context.Context, owner, repo string) (login, permission string, err error) {
	var q struct {
		Viewer struct {
			Login githubv4.String
		}
		Repository struct {
			NameWithOwner    githubv4.String
			ViewerPermission githubv4.RepositoryPermission
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	vars := map[string]interface{}{
		"owner": githubv4.String(owner),
		"repo":  githubv4.String(repo),
	}

	if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
		return "", "", clt.wrapGraphQLRetryableErrors(err)
	}

	return string(q.Viewer.Login), string(q.Repository.ViewerPermission), nil
}

// CanDispatch returns true if permission allows to create repository
// dispatch events.
func CanDispatch(permission string) bool {
	switch githubv4.RepositoryPermission(permission) {
	case githubv4.RepositoryPermissionAdmin,
		githubv4.RepositoryPermissionMaintain,
		githubv4.RepositoryPermissionWrite:
		return true
	default:
		return false
	}
}

// RepoSecretNames returns the names of all GitHub Actions secrets of the
// repository.
func (clt *Client) RepoSecretNames(ctx context.Context, owner, repo string) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}

	for {
		secrets, resp, err := clt.restClt.Actions.ListRepoSecrets(ctx, owner, repo, &opts)
		if err != nil {
			return nil, clt.wrapErrors(err)
		}

		for _, s := range secrets.Secrets {
			result = append(result, s.Name)
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// Run is a GitHub Actions workflow run.
type Run struct {
	ID         int64
	Name       string
	Status     string
	Conclusion string
	URL        string
	CreatedAt  time.Time
}

func (r *Run) String() string {
	state := r.Status
	if r.Conclusion != "" {
		state = r.Conclusion
	}

	return fmt.Sprintf("%s %-10s %s (%s)", r.CreatedAt.UTC().Format(time.RFC3339), state, r.Name, r.URL)
}

const (
	DefRunsLimit = 10
	// MaxRunsLimit is the max. page size of the GitHub API.
	MaxRunsLimit = 100
)

// DispatchRuns returns the most recent workflow runs that were triggered by
// repository dispatch events, newest first.
// A limit <= 0 returns DefRunsLimit runs, limits above MaxRunsLimit are
// reduced to MaxRunsLimit.
func (clt *Client) DispatchRuns(ctx context.Context, owner, repo string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefRunsLimit
	}
	limit = min(limit, MaxRunsLimit)

	runs, _, err := clt.restClt.Actions.ListRepositoryWorkflowRuns(ctx, owner, repo, &github.ListWorkflowRunsOptions{
		Event:       DispatchEventName,
		ListOptions: github.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, clt.wrapErrors(err)
	}

	result := make([]*Run, 0, len(runs.WorkflowRuns))
	for _, wr := range runs.WorkflowRuns {
		result = append(result, &Run{
			ID:         wr.GetID(),
			Name:       wr.GetName(),
			Status:     wr.GetStatus(),
			Conclusion: wr.GetConclusion(),
			URL:        wr.GetHTMLURL(),
			CreatedAt:  wr.GetCreatedAt().Time,
		})
	}

	return result, nil
}

// wrapErrors converts errors returned by the go-github client.
// Rate limit and server errors are returned as triggererr.RetryableError,
// other error responses as triggererr.DispatchError.
func (clt *Client) wrapErrors(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", rateLimitErr.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", rateLimitErr.Rate.Reset.Time),
		)

		return triggererr.NewRetryableError(
			rateLimitedError(rateLimitErr.Response, rateLimitErr.Message, err),
			rateLimitErr.Rate.Reset.Time,
		)
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		clt.logger.Info(
			"secondary rate limit exceeded",
			logfields.Event("github_api_secondary_rate_limit_exceeded"),
			zap.Durationp("retry_after", abuseErr.RetryAfter),
		)

		dErr := rateLimitedError(abuseErr.Response, abuseErr.Message, err)
		if abuseErr.RetryAfter == nil {
			return triggererr.NewRetryableAnytimeError(dErr)
		}

		return triggererr.NewRetryableError(dErr, time.Now().Add(*abuseErr.RetryAfter))
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		dErr := triggererr.NewDispatchError(status, respErr.Message, err)

		switch {
		case status >= 500 && status < 600:
			return triggererr.NewRetryableAnytimeError(dErr)

		case status == http.StatusTooManyRequests:
			if after, ok := retryAfter(respErr.Response); ok {
				return triggererr.NewRetryableError(dErr, after)
			}

			return triggererr.NewRetryableAnytimeError(dErr)
		}

		return dErr
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return triggererr.NewRetryableAnytimeError(err)
	}

	return err
}

func rateLimitedError(resp *http.Response, msg string, err error) *triggererr.DispatchError {
	status := http.StatusForbidden
	if resp != nil {
		status = resp.StatusCode
	}

	return &triggererr.DispatchError{
		StatusCode: status,
		Kind:       triggererr.KindRateLimited,
		Message:    msg,
		Err:        err,
	}
}

func retryAfter(resp *http.Response) (time.Time, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return time.Time{}, false
	}

	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return time.Time{}, false
	}

	return time.Now().Add(time.Duration(secs) * time.Second), true
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return triggererr.NewRetryableAnytimeError(err)
	}

	return triggererr.NewDispatchError(errcode, "", err)
}
