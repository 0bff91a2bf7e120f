// Package dispatcher sends repository dispatch events for triggers
// received from a scheduler or the command line.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/audit"
	"github.com/simplesurance/gotrigger/internal/dedup"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/retry"
	"github.com/simplesurance/gotrigger/internal/triggererr"
)

const loggerName = "dispatcher"

// GithubClient sends repository dispatch requests.
type GithubClient interface {
	Dispatch(ctx context.Context, owner, repo string, req *payload.Request) error
}

//go:generate mockgen -destination=mocks/dispatcher.go -package=mocks . GithubClient,AuditRecorder

// AuditRecorder persists the outcome of dispatch attempts.
type AuditRecorder interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// Status is the outcome of a Trigger call.
type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusDuplicate  Status = "duplicate"
	StatusFailed     Status = "failed"
)

// Trigger describes a request to send a dispatch event.
type Trigger struct {
	// Source identifies where the trigger came from, e.g. "relay" or "cli".
	Source string
	// TriggeredBy overwrites the configured triggered_by client payload
	// value when it is not empty.
	TriggeredBy string
	// DedupKey identifies the scheduler tick, triggers with the same key
	// are only dispatched once within the dedup window.
	// When it is empty no deduplication happens.
	DedupKey string
	// Body is passed to the payload query.
	Body []byte
}

// Result describes the outcome of a Trigger call.
type Result struct {
	Status      Status
	DispatchID  string
	Request     *payload.Request
	ErrorKind   triggererr.Kind
	Remediation string
	// HTTPStatus is the status code of the last GitHub API response, 0 if
	// none was received.
	HTTPStatus int
	Duration   time.Duration
}

// Dispatcher builds dispatch requests and sends them via a GithubClient.
// Each Trigger call is independent, only the dedup store is shared between
// calls.
type Dispatcher struct {
	logger *zap.Logger

	owner string
	repo  string

	builder *payload.Builder
	clt     GithubClient
	retryer *retry.Retryer

	dedupStore  dedup.Store
	dedupWindow time.Duration

	audit AuditRecorder
}

type Option func(*Dispatcher)

// WithDedup enables suppressing triggers with the same Trigger.DedupKey
// within window.
func WithDedup(store dedup.Store, window time.Duration) Option {
	return func(d *Dispatcher) {
		d.dedupStore = store
		d.dedupWindow = window
	}
}

// WithAudit enables recording every dispatch attempt.
func WithAudit(recorder AuditRecorder) Option {
	return func(d *Dispatcher) {
		d.audit = recorder
	}
}

func WithRetryer(r *retry.Retryer) Option {
	return func(d *Dispatcher) {
		d.retryer = r
	}
}

func New(owner, repo string, builder *payload.Builder, clt GithubClient, opts ...Option) *Dispatcher {
	d := Dispatcher{
		logger:  zap.L().Named(loggerName),
		owner:   owner,
		repo:    repo,
		builder: builder,
		clt:     clt,
	}

	for _, opt := range opts {
		opt(&d)
	}

	if d.retryer == nil {
		d.retryer = retry.NewRetryer()
	}

	return &d
}

func (d *Dispatcher) repository() string {
	return d.owner + "/" + d.repo
}

// Trigger builds a dispatch request and sends it to GitHub.
// Retryable failures are retried until the retry timeout of the Retryer
// expires.
// On failure the Result and an error are returned, the Result contains the
// remediation hint for the operator.
func (d *Dispatcher) Trigger(ctx context.Context, t *Trigger) (*Result, error) {
	logger := d.logger.With(
		logfields.RepositoryOwner(d.owner),
		logfields.Repository(d.repo),
		logfields.TriggerSource(t.Source),
	)

	req, err := d.builder.Build(ctx, &payload.Input{TriggeredBy: t.TriggeredBy, Body: t.Body})
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		metrics.DispatchesInc(d.repository(), t.Source, resultLabelInvalidVal, "")
		logger.Warn(
			"building dispatch request failed",
			logfields.Event("dispatch_request_invalid"),
			zap.Error(err),
		)

		return &Result{Status: StatusFailed}, fmt.Errorf("building dispatch request failed: %w", err)
	}

	logger = logger.With(
		logfields.DispatchID(req.DispatchID()),
		logfields.DispatchEventType(req.EventType),
	)

	result := Result{
		DispatchID: req.DispatchID(),
		Request:    req,
	}

	if d.dedupStore != nil && t.DedupKey != "" {
		acquired, err := d.dedupStore.Acquire(ctx, t.DedupKey, d.dedupWindow)
		if err != nil {
			logger.Warn(
				"checking for duplicate trigger failed, dispatching anyway",
				logfields.Event("dispatch_dedup_check_failed"),
				zap.String("dedup_key", t.DedupKey),
				zap.Error(err),
			)
		} else if !acquired {
			metrics.DispatchesInc(d.repository(), t.Source, resultLabelDuplicateVal, "")
			logger.Info(
				"trigger was already processed, skipping dispatch",
				logfields.Event("dispatch_duplicate_skipped"),
				zap.String("dedup_key", t.DedupKey),
			)

			result.Status = StatusDuplicate
			return &result, nil
		}
	}

	startTime := time.Now()
	err = d.retryer.Run(
		ctx,
		func(ctx context.Context) error {
			return d.clt.Dispatch(ctx, d.owner, d.repo, req)
		},
		[]zap.Field{logfields.DispatchID(req.DispatchID())},
	)
	result.Duration = time.Since(startTime)

	if err != nil {
		result.Status = StatusFailed
		result.ErrorKind = triggererr.KindOf(err)
		result.Remediation = triggererr.Remediation(err)
		result.HTTPStatus = httpStatusOf(err)

		d.releaseDedupKey(logger, t.DedupKey)

		metrics.DispatchesInc(d.repository(), t.Source, resultLabelFailureVal, result.ErrorKind.String())
		metrics.DispatchDurationObserve(d.repository(), resultLabelFailureVal, result.Duration)

		logger.Error(
			"sending repository dispatch failed",
			logfields.Event("dispatch_failed"),
			zap.String("error_kind", result.ErrorKind.String()),
			logfields.HTTPStatus(result.HTTPStatus),
			zap.String("remediation", result.Remediation),
			zap.Duration("duration", result.Duration),
			zap.Error(err),
		)

		d.record(ctx, logger, &result, err)

		return &result, fmt.Errorf("sending repository dispatch failed: %w", err)
	}

	result.Status = StatusDispatched
	result.HTTPStatus = http.StatusNoContent

	metrics.DispatchesInc(d.repository(), t.Source, resultLabelSuccessVal, "")
	metrics.DispatchDurationObserve(d.repository(), resultLabelSuccessVal, result.Duration)
	metrics.LastSuccessSet(d.repository(), time.Now())

	logger.Info(
		"repository dispatch sent",
		logfields.Event("dispatch_sent"),
		zap.Duration("duration", result.Duration),
	)

	d.record(ctx, logger, &result, nil)

	return &result, nil
}

func httpStatusOf(err error) int {
	var dErr *triggererr.DispatchError
	if errors.As(err, &dErr) {
		return dErr.StatusCode
	}

	return 0
}

// releaseDedupKey removes the key of a failed trigger, a redelivery by the
// scheduler is then dispatched again.
func (d *Dispatcher) releaseDedupKey(logger *zap.Logger, key string) {
	if d.dedupStore == nil || key == "" {
		return
	}

	// the request context might already be cancelled
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if err := d.dedupStore.Release(ctx, key); err != nil {
		logger.Warn(
			"releasing dedup key failed",
			logfields.Event("dispatch_dedup_release_failed"),
			zap.String("dedup_key", key),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, result *Result, dispatchErr error) {
	if d.audit == nil {
		return
	}

	entry := audit.Entry{
		DispatchID:    result.DispatchID,
		Repository:    d.repository(),
		EventType:     result.Request.EventType,
		TriggeredBy:   result.Request.ClientPayload[payload.KeyTriggeredBy],
		Result:        string(result.Status),
		ClientPayload: result.Request.ClientPayload,
	}

	entry.HTTPStatus = result.HTTPStatus
	if dispatchErr != nil {
		entry.Error = dispatchErr.Error()
	}

	ctx, cancelFn := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelFn()

	if err := d.audit.Record(ctx, &entry); err != nil {
		logger.Warn(
			"recording dispatch in audit log failed",
			logfields.Event("dispatch_audit_record_failed"),
			zap.Error(err),
		)
	}
}

// Stop aborts all running retries.
func (d *Dispatcher) Stop() {
	d.retryer.Stop()
}
