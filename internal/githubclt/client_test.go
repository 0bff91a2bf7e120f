package githubclt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/triggererr"
)

const testToken = "ghp_testtoken"

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clt, err := New(testToken, WithAPIURL(srv.URL), WithUserAgent("gotrigger-test"))
	require.NoError(t, err)

	return clt
}

func testRequest() *payload.Request {
	return &payload.Request{
		EventType: "traffic-monitoring-trigger",
		ClientPayload: map[string]string{
			"triggered_by": "cloud-scheduler",
			"timestamp":    "2026-10-19T08:05:00Z",
		},
	}
}

func TestDispatchSendsContractRequest(t *testing.T) {
	var received *http.Request
	var body []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/simplesurance/traffic/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var err error

		received = r
		body, err = io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	clt := newTestClient(t, mux)

	err := clt.Dispatch(context.Background(), "simplesurance", "traffic", testRequest())
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Equal(t, http.MethodPost, received.Method)
	assert.Equal(t, "token "+testToken, received.Header.Get("Authorization"))
	assert.Equal(t, "application/vnd.github.v3+json", received.Header.Get("Accept"))
	assert.Equal(t, "gotrigger-test", received.Header.Get("User-Agent"))
	assert.Equal(t, "application/json", received.Header.Get("Content-Type"))

	assert.JSONEq(t, `{
		"event_type": "traffic-monitoring-trigger",
		"client_payload": {"triggered_by": "cloud-scheduler", "timestamp": "2026-10-19T08:05:00Z"}
	}`, string(body))
}

func TestDispatchErrorClassification(t *testing.T) {
	testcases := []struct {
		name          string
		status        int
		headers       map[string]string
		expectedKind  triggererr.Kind
		wantRetryable bool
	}{
		{name: "unauthorized", status: 401, expectedKind: triggererr.KindUnauthorized},
		{name: "forbidden", status: 403, expectedKind: triggererr.KindForbidden},
		{
			name:   "rateLimited",
			status: 403,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10),
			},
			expectedKind:  triggererr.KindRateLimited,
			wantRetryable: true,
		},
		{
			name:          "tooManyRequests",
			status:        429,
			headers:       map[string]string{"Retry-After": "3"},
			expectedKind:  triggererr.KindRateLimited,
			wantRetryable: true,
		},
		{name: "notFound", status: 404, expectedKind: triggererr.KindNotFound},
		{name: "unprocessable", status: 422, expectedKind: triggererr.KindUnprocessable},
		{name: "serverError", status: 502, expectedKind: triggererr.KindServer, wantRetryable: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"message": "status %d"}`, tc.status)
			}))

			err := clt.Dispatch(context.Background(), "o", "r", testRequest())
			require.Error(t, err)

			var dErr *triggererr.DispatchError
			require.ErrorAs(t, err, &dErr)
			assert.Equal(t, tc.expectedKind, dErr.Kind)
			assert.Equal(t, tc.status, dErr.StatusCode)
			assert.NotEmpty(t, triggererr.Remediation(err))

			var retryableErr *triggererr.RetryableError
			assert.Equal(t, tc.wantRetryable, errors.As(err, &retryableErr))
		})
	}
}

func TestDispatchConnectionErrorIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.NotFoundHandler())
	srvURL := srv.URL
	srv.Close()

	clt, err := New(testToken, WithAPIURL(srvURL))
	require.NoError(t, err)

	err = clt.Dispatch(context.Background(), "o", "r", testRequest())
	require.Error(t, err)

	var retryableErr *triggererr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestRepoSecretNamesPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/o/r/actions/secrets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `{"total_count": 3, "secrets": [{"name": "TABLE_NAME"}]}`)
			return
		}

		w.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v3/repos/o/r/actions/secrets?page=2>; rel="next"`, r.Host))
		fmt.Fprint(w, `{"total_count": 3, "secrets": [{"name": "SUPABASE_URL"}, {"name": "SUPABASE_KEY"}]}`)
	})

	clt := newTestClient(t, mux)

	names, err := clt.RepoSecretNames(context.Background(), "o", "r")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUPABASE_URL", "SUPABASE_KEY", "TABLE_NAME"}, names)
}

func TestDispatchRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/o/r/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DispatchEventName, r.URL.Query().Get("event"))
		assert.Equal(t, "5", r.URL.Query().Get("per_page"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"total_count": 1, "workflow_runs": [{
			"id": 42,
			"name": "Traffic Monitoring",
			"status": "completed",
			"conclusion": "success",
			"html_url": "https://github.com/o/r/actions/runs/42",
			"created_at": "2026-10-19T08:05:03Z"
		}]}`)
	})

	clt := newTestClient(t, mux)

	runs, err := clt.DispatchRuns(context.Background(), "o", "r", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	assert.Equal(t, int64(42), runs[0].ID)
	assert.Equal(t, "success", runs[0].Conclusion)
	assert.Equal(t, time.Date(2026, 10, 19, 8, 5, 3, 0, time.UTC), runs[0].CreatedAt.UTC())
	assert.Contains(t, runs[0].String(), "success")
}

func TestDispatchRunsLimit(t *testing.T) {
	testcases := []struct {
		limit           int
		expectedPerPage string
	}{
		{limit: 0, expectedPerPage: "10"},
		{limit: 100, expectedPerPage: "100"},
		{limit: 101, expectedPerPage: "100"},
		{limit: 1000, expectedPerPage: "100"},
	}

	for _, tc := range testcases {
		t.Run(strconv.Itoa(tc.limit), func(t *testing.T) {
			var perPage string

			mux := http.NewServeMux()
			mux.HandleFunc("/api/v3/repos/o/r/actions/runs", func(w http.ResponseWriter, r *http.Request) {
				perPage = r.URL.Query().Get("per_page")

				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"total_count": 0, "workflow_runs": []}`)
			})

			clt := newTestClient(t, mux)

			_, err := clt.DispatchRuns(context.Background(), "o", "r", tc.limit)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedPerPage, perPage)
		})
	}
}

func TestViewerPermission(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]string `json:"variables"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		assert.Equal(t, map[string]string{"owner": "o", "repo": "r"}, req.Variables)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data": {
			"viewer": {"login": "traffic-bot"},
			"repository": {"nameWithOwner": "o/r", "viewerPermission": "WRITE"}
		}}`)
	})

	clt := newTestClient(t, mux)

	login, perm, err := clt.ViewerPermission(context.Background(), "o", "r")
	require.NoError(t, err)
	assert.Equal(t, "traffic-bot", login)
	assert.Equal(t, "WRITE", perm)
	assert.True(t, CanDispatch(perm))
}

func TestCanDispatch(t *testing.T) {
	assert.True(t, CanDispatch("ADMIN"))
	assert.True(t, CanDispatch("MAINTAIN"))
	assert.True(t, CanDispatch("WRITE"))
	assert.False(t, CanDispatch("TRIAGE"))
	assert.False(t, CanDispatch("READ"))
	assert.False(t, CanDispatch(""))
}

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// is the same then in vendor/github.com/shurcooL/graphql/graphql.go do()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	_, _, err := clt.ViewerPermission(context.Background(), "test", "test")
	require.Error(t, err)

	var retryableErr *triggererr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestEnterpriseURLs(t *testing.T) {
	rest, gql, err := enterpriseURLs("https://ghe.example.com/api/v3/")
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/", rest)
	assert.Equal(t, "https://ghe.example.com/api/graphql", gql)

	_, _, err = enterpriseURLs("ghe.example.com")
	assert.Error(t, err)
}
