// Package relay provides the HTTP endpoint a cloud scheduler job calls to
// trigger a repository dispatch.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/dispatcher"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/retry"
	"github.com/simplesurance/gotrigger/internal/triggererr"
)

const loggerName = "relay"

// MaxBodySize is the max. accepted size of request bodies.
const MaxBodySize = 64 * 1024

// Headers set by Google Cloud Scheduler on HTTP target requests.
const (
	HeaderSchedulerJobName      = "X-CloudScheduler-JobName"
	HeaderSchedulerScheduleTime = "X-CloudScheduler-ScheduleTime"
)

// Triggerer sends dispatch events.
type Triggerer interface {
	Trigger(ctx context.Context, t *dispatcher.Trigger) (*dispatcher.Result, error)
}

// Handler receives trigger requests and forwards them to a Triggerer.
type Handler struct {
	logger    *zap.Logger
	triggerer Triggerer
	authToken []byte
}

type Option func(*Handler)

// WithAuthToken requires requests to carry "Authorization: Bearer <token>".
func WithAuthToken(token string) Option {
	return func(h *Handler) {
		h.authToken = []byte(token)
	}
}

func New(triggerer Triggerer, opts ...Option) *Handler {
	h := Handler{
		triggerer: triggerer,
	}

	for _, o := range opts {
		o(&h)
	}

	if h.logger == nil {
		h.logger = zap.L().Named(loggerName)
	}

	return &h
}

// Response is the JSON body returned by the handler.
type Response struct {
	Status      string            `json:"status"`
	DispatchID  string            `json:"dispatch_id,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	Payload     map[string]string `json:"client_payload,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Remediation string            `json:"remediation,omitempty"`
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	jobName := req.Header.Get(HeaderSchedulerJobName)
	scheduleTime := req.Header.Get(HeaderSchedulerScheduleTime)

	logger := h.logger.With(
		logfields.SchedulerJob(jobName),
		zap.String("scheduler.schedule_time", scheduleTime),
		zap.String("http_remote_addr", req.RemoteAddr),
	)

	logger.Debug("received trigger request", logfields.Event("relay_trigger_received"))

	if req.Method != http.MethodPost {
		resp.Header().Set("Allow", http.MethodPost)
		h.writeResponse(logger, resp, http.StatusMethodNotAllowed, &Response{
			Status: string(dispatcher.StatusFailed),
			Error:  "method not allowed",
		})
		return
	}

	if !h.authorized(req) {
		logger.Info(
			"rejected trigger request, authorization failed",
			logfields.Event("relay_trigger_unauthorized"),
		)

		resp.Header().Set("WWW-Authenticate", `Bearer realm="gotrigger"`)
		h.writeResponse(logger, resp, http.StatusUnauthorized, &Response{
			Status: string(dispatcher.StatusFailed),
			Error:  "unauthorized",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, MaxBodySize))
	if err != nil {
		status := http.StatusBadRequest

		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}

		h.writeResponse(logger, resp, status, &Response{
			Status: string(dispatcher.StatusFailed),
			Error:  "reading request body failed: " + err.Error(),
		})
		return
	}

	trigger := dispatcher.Trigger{
		Source:      "relay",
		TriggeredBy: jobName,
		DedupKey:    dedupKey(jobName, scheduleTime),
		Body:        body,
	}

	result, err := h.triggerer.Trigger(req.Context(), &trigger)
	if result == nil {
		result = &dispatcher.Result{Status: dispatcher.StatusFailed}
	}

	respBody := Response{
		Status:     string(result.Status),
		DispatchID: result.DispatchID,
	}

	if result.Request != nil {
		respBody.EventType = result.Request.EventType
		respBody.Payload = result.Request.ClientPayload
	}

	if err != nil {
		respBody.Error = err.Error()
		respBody.Remediation = result.Remediation

		if result.Request != nil {
			respBody.ErrorKind = result.ErrorKind.String()
		}

		h.writeResponse(logger, resp, errorStatus(result, err), &respBody)
		return
	}

	h.writeResponse(logger, resp, http.StatusOK, &respBody)
}

// errorStatus returns the HTTP status code for a failed trigger.
// Failures that a later delivery can resolve result in 503, the scheduler
// then retries the request according to its retry configuration.
func errorStatus(result *dispatcher.Result, err error) int {
	if result.Request == nil {
		// building the request failed, the trigger body is invalid
		return http.StatusBadRequest
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, retry.ErrStopped) {
		return http.StatusServiceUnavailable
	}

	var retryableErr *triggererr.RetryableError
	if errors.As(err, &retryableErr) {
		return http.StatusServiceUnavailable
	}

	switch result.ErrorKind {
	case triggererr.KindRateLimited, triggererr.KindServer:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func dedupKey(jobName, scheduleTime string) string {
	if scheduleTime == "" {
		return ""
	}

	return jobName + "@" + scheduleTime
}

func (h *Handler) authorized(req *http.Request) bool {
	if len(h.authToken) == 0 {
		return true
	}

	const prefix = "Bearer "

	authHdr := req.Header.Get("Authorization")
	if len(authHdr) < len(prefix) || !strings.EqualFold(authHdr[:len(prefix)], prefix) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(authHdr[len(prefix):]), h.authToken) == 1
}

func (h *Handler) writeResponse(logger *zap.Logger, resp http.ResponseWriter, status int, body *Response) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)

	if err := json.NewEncoder(resp).Encode(body); err != nil {
		logger.Info(
			"sending http response failed",
			logfields.Event("relay_sending_response_failed"),
			zap.Error(err),
		)
	}
}
