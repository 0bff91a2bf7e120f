// Package schedulerjob renders and runs the gcloud commands that manage the
// Cloud Scheduler HTTP job which periodically triggers the repository
// dispatch.
package schedulerjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/stringutils"
)

const DefBinary = "gcloud"

type Operation string

const (
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpRun      Operation = "run"
	OpDescribe Operation = "describe"
	OpList     Operation = "list"
	OpPause    Operation = "pause"
	OpResume   Operation = "resume"
	OpDelete   Operation = "delete"
)

var Operations = []Operation{OpCreate, OpUpdate, OpRun, OpDescribe, OpList, OpPause, OpResume, OpDelete}

func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == strings.ToLower(s) {
			return op, nil
		}
	}

	return "", fmt.Errorf("unsupported scheduler operation: %q", s)
}

// Header is an HTTP header that the scheduler sends with every request.
type Header struct {
	Name  string
	Value string
	// Secret is the part of Value that is masked when a command is
	// printed, e.g. the token of an Authorization header.
	Secret string
}

// Job describes a Cloud Scheduler HTTP job.
type Job struct {
	Name     string
	Project  string
	Location string
	Schedule string
	TimeZone string
	URI      string
	Headers  []Header
	Body     []byte
}

// NewDispatchJob returns a job that POSTs req directly to the GitHub
// dispatches endpoint.
// The body is static: the timestamp of req is the time the job was
// rendered, not the time of the scheduler invocation.
func NewDispatchJob(sc *cfg.Scheduler, apiURL, owner, repo, apiToken, userAgent string, req *payload.Request) (*Job, error) {
	body, err := req.JSON()
	if err != nil {
		return nil, err
	}

	hdrs := payload.Headers(apiToken, userAgent)

	return &Job{
		Name:     sc.JobName,
		Project:  sc.Project,
		Location: sc.Location,
		Schedule: sc.Schedule,
		TimeZone: sc.TimeZone,
		URI:      payload.DispatchURL(apiURL, owner, repo),
		Headers: []Header{
			{Name: "Authorization", Value: hdrs.Get("Authorization"), Secret: apiToken},
			{Name: "Accept", Value: hdrs.Get("Accept")},
			{Name: "User-Agent", Value: hdrs.Get("User-Agent")},
			{Name: "Content-Type", Value: hdrs.Get("Content-Type")},
		},
		Body: body,
	}, nil
}

// NewRelayJob returns a job that POSTs to the gotrigger relay endpoint at
// sc.TargetURI. The relay builds the dispatch payload per invocation.
func NewRelayJob(sc *cfg.Scheduler, relayAuthToken string) *Job {
	j := Job{
		Name:     sc.JobName,
		Project:  sc.Project,
		Location: sc.Location,
		Schedule: sc.Schedule,
		TimeZone: sc.TimeZone,
		URI:      sc.TargetURI,
		Headers: []Header{
			{Name: "Content-Type", Value: payload.ContentTypeHeaderValue},
		},
		Body: []byte("{}"),
	}

	if relayAuthToken != "" {
		j.Headers = append(j.Headers, Header{Name: "Authorization", Value: "Bearer " + relayAuthToken, Secret: relayAuthToken})
	}

	return &j
}

var cronFieldRe = regexp.MustCompile(`^[0-9A-Za-z*/,\-?]+$`)

// ValidateSchedule returns an error if schedule is not a 5 field unix-cron
// expression.
func ValidateSchedule(schedule string) error {
	fields := strings.Fields(schedule)
	if len(fields) != 5 {
		return fmt.Errorf("schedule %q has %d fields, expected 5 (minute hour day-of-month month day-of-week)", schedule, len(fields))
	}

	for i, f := range fields {
		if !cronFieldRe.MatchString(f) {
			return fmt.Errorf("schedule %q: field %d (%q) contains invalid characters", schedule, i+1, f)
		}
	}

	return nil
}

func (j *Job) validate(op Operation) error {
	var errs []error

	if op != OpList && j.Name == "" {
		errs = append(errs, errors.New("scheduler job name is empty"))
	}

	if j.Location == "" {
		errs = append(errs, errors.New("scheduler location is empty"))
	}

	if op == OpCreate || op == OpUpdate {
		if j.URI == "" {
			errs = append(errs, errors.New("scheduler target uri is empty"))
		}

		if err := ValidateSchedule(j.Schedule); err != nil {
			errs = append(errs, err)
		}

		for _, h := range j.Headers {
			if strings.Contains(h.Value, ",") {
				errs = append(errs, fmt.Errorf("value of header %q contains a comma, it can not be passed to gcloud", h.Name))
			}
		}
	}

	return errors.Join(errs...)
}

// Command is a rendered gcloud invocation.
type Command struct {
	Args    []string
	secrets []string
}

// Render returns the gcloud command for op.
func (j *Job) Render(op Operation) (*Command, error) {
	if err := j.validate(op); err != nil {
		return nil, err
	}

	var cmd Command

	switch op {
	case OpCreate, OpUpdate:
		cmd.Args = []string{DefBinary, "scheduler", "jobs", string(op), "http", j.Name}
	case OpList:
		cmd.Args = []string{DefBinary, "scheduler", "jobs", string(op)}
	default:
		cmd.Args = []string{DefBinary, "scheduler", "jobs", string(op), j.Name}
	}

	cmd.Args = append(cmd.Args, "--location="+j.Location)

	if j.Project != "" {
		cmd.Args = append(cmd.Args, "--project="+j.Project)
	}

	switch op {
	case OpCreate, OpUpdate:
		cmd.Args = append(cmd.Args,
			"--schedule="+j.Schedule,
			"--time-zone="+j.TimeZone,
			"--uri="+j.URI,
			"--http-method=POST",
		)

		hdrFlag := "--headers="
		if op == OpUpdate {
			hdrFlag = "--update-headers="
		}

		hdrs := make([]string, 0, len(j.Headers))
		for _, h := range j.Headers {
			hdrs = append(hdrs, h.Name+"="+h.Value)
			if h.Secret != "" {
				cmd.secrets = append(cmd.secrets, h.Secret)
			}
		}

		cmd.Args = append(cmd.Args,
			hdrFlag+strings.Join(hdrs, ","),
			"--message-body="+string(j.Body),
		)

	case OpDelete:
		cmd.Args = append(cmd.Args, "--quiet")
	}

	return &cmd, nil
}

// String returns the command as shell command line, secrets of headers are
// replaced by stringutils.HiddenValue.
func (c *Command) String() string {
	quoted := make([]string, 0, len(c.Args))

	for _, a := range c.Args {
		quoted = append(quoted, shellQuote(stringutils.Redact(a, c.secrets...)))
	}

	return strings.Join(quoted, " ")
}

var shellSafeRe = regexp.MustCompile(`^[A-Za-z0-9_./:=@%+-]+$`)

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}

	if shellSafeRe.MatchString(s) {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Runner executes rendered commands.
type Runner struct {
	// Binary replaces the first argument of executed commands, it
	// defaults to DefBinary.
	Binary string
	Stdout io.Writer
	Stderr io.Writer
}

func (r *Runner) Run(ctx context.Context, cmd *Command) error {
	if len(cmd.Args) == 0 {
		return errors.New("command is empty")
	}

	binary := r.Binary
	if binary == "" {
		binary = cmd.Args[0]
	}

	c := exec.CommandContext(ctx, binary, cmd.Args[1:]...)
	c.Stdout = r.Stdout
	c.Stderr = r.Stderr

	if err := c.Run(); err != nil {
		return fmt.Errorf("running %s failed: %w", cmd.Args[0], err)
	}

	return nil
}
