package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"

	"github.com/simplesurance/gotrigger/internal/maputils"
)

var templateFuncs = template.FuncMap{
	"queryescape": url.QueryEscape,
	"env":         os.Getenv,
}

// Builder creates dispatch Requests.
// Static client payload values are text/templates that are rendered for
// every request.
type Builder struct {
	eventType   string
	triggeredBy string
	environment string

	templates map[string]*template.Template
	queryStr  string
	query     *gojq.Query

	now   func() time.Time
	newID func() string
}

type Option func(*Builder)

// WithClock sets the function that returns the timestamp of a request.
func WithClock(fn func() time.Time) Option {
	return func(b *Builder) {
		b.now = fn
	}
}

// WithIDGenerator sets the function that generates dispatch IDs.
// When fn returns an empty string the dispatch_id key is omitted.
func WithIDGenerator(fn func() string) Option {
	return func(b *Builder) {
		b.newID = fn
	}
}

// WithPayloadQuery sets a jq query that is run on the trigger body, its
// result is merged into the client payload.
func WithPayloadQuery(jqQuery string) Option {
	return func(b *Builder) {
		b.queryStr = jqQuery
	}
}

func NewBuilder(eventType, triggeredBy, environment string, clientPayload map[string]string, opts ...Option) (*Builder, error) {
	b := Builder{
		eventType:   eventType,
		triggeredBy: triggeredBy,
		environment: environment,
		templates:   make(map[string]*template.Template, len(clientPayload)),
		now:         time.Now,
		newID:       uuid.NewString,
	}

	for k, v := range clientPayload {
		if isReservedKey(k) {
			return nil, fmt.Errorf("client_payload key %q is reserved", k)
		}

		templ, err := template.New(k).Funcs(templateFuncs).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parsing template of client_payload key %q failed: %w", k, err)
		}

		b.templates[k] = templ
	}

	for _, opt := range opts {
		opt(&b)
	}

	if b.queryStr != "" {
		query, err := gojq.Parse(b.queryStr)
		if err != nil {
			return nil, fmt.Errorf("parsing payload query failed: %w", err)
		}

		b.query = query
	}

	return &b, nil
}

func isReservedKey(k string) bool {
	switch k {
	case KeyTriggeredBy, KeyTimestamp, KeyEnvironment, KeyDispatchID:
		return true
	default:
		return false
	}
}

// Input are the per-trigger parameters of a dispatch request.
type Input struct {
	// TriggeredBy overwrites the configured triggered_by value if it is
	// not empty.
	TriggeredBy string
	// Body is the body of the request that caused the dispatch. The
	// payload query is run on it. An empty body is treated as {}.
	Body []byte
}

type templateContext struct {
	Now         time.Time
	Timestamp   string
	DispatchID  string
	EventType   string
	Environment string
}

// Build creates a new Request.
// Values in the client payload have the following precedence, from lowest
// to highest: static configured values, payload query results, reserved
// keys.
func (b *Builder) Build(ctx context.Context, in *Input) (*Request, error) {
	now := b.now().UTC().Truncate(time.Second)
	tc := templateContext{
		Now:         now,
		Timestamp:   now.Format(time.RFC3339),
		DispatchID:  b.newID(),
		EventType:   b.eventType,
		Environment: b.environment,
	}

	clientPayload := make(map[string]string, len(b.templates)+4)

	for _, k := range maputils.SortedKeys(b.templates) {
		var out bytes.Buffer

		if err := b.templates[k].Execute(&out, &tc); err != nil {
			return nil, fmt.Errorf("rendering client_payload key %q failed: %w", k, err)
		}

		clientPayload[k] = out.String()
	}

	if b.query != nil {
		var body []byte
		if in != nil {
			body = in.Body
		}

		res, err := b.runQuery(ctx, body)
		if err != nil {
			return nil, err
		}

		for k, v := range res {
			if isReservedKey(k) {
				continue
			}

			clientPayload[k] = v
		}
	}

	triggeredBy := b.triggeredBy
	if in != nil && in.TriggeredBy != "" {
		triggeredBy = in.TriggeredBy
	}

	clientPayload[KeyTriggeredBy] = triggeredBy
	clientPayload[KeyTimestamp] = tc.Timestamp
	if tc.DispatchID != "" {
		clientPayload[KeyDispatchID] = tc.DispatchID
	}

	if b.environment != "" {
		clientPayload[KeyEnvironment] = b.environment
	}

	return &Request{
		EventType:     b.eventType,
		ClientPayload: clientPayload,
	}, nil
}

func (b *Builder) runQuery(ctx context.Context, body []byte) (map[string]string, error) {
	var input any = map[string]any{}

	if len(bytes.TrimSpace(body)) != 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			return nil, fmt.Errorf("trigger body is not valid json: %w", err)
		}
	}

	iter := b.query.RunWithContext(ctx, input)

	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("payload query %q failed: %w", b.query, err)
		}

		results = append(results, v)
	}

	if len(results) != 1 {
		return nil, fmt.Errorf("payload query %q returned %d results, expected 1", b.query, len(results))
	}

	obj, ok := results[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload query %q returned %T, expected an object", b.query, results[0])
	}

	res, err := maputils.ToStrMap(obj)
	if err != nil {
		return nil, fmt.Errorf("payload query %q: %w", b.query, err)
	}

	return res, nil
}

func (b *Builder) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "event_type: %s, triggered_by: %s", b.eventType, b.triggeredBy)

	if b.environment != "" {
		fmt.Fprintf(&sb, ", environment: %s", b.environment)
	}

	if len(b.templates) > 0 {
		fmt.Fprintf(&sb, ", client_payload: %s", strings.Join(maputils.SortedKeys(b.templates), ","))
	}

	if b.query != nil {
		fmt.Fprintf(&sb, ", payload_query: %s", b.query)
	}

	return sb.String()
}
