// Package workflowenv verifies that the environment of the triggered
// traffic monitoring workflow is complete.
package workflowenv

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/simplesurance/gotrigger/internal/stringutils"
)

const (
	EnvSupabaseURL = "SUPABASE_URL"
	EnvLogLevel    = "LOG_LEVEL"
)

// LogLevels are the values the workflow accepts in LOG_LEVEL.
var LogLevels = []string{"TRACE", "DEBUG", "INFO", "SUCCESS", "WARNING", "ERROR", "CRITICAL"}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(string) (string, bool)

type Problem struct {
	Name   string
	Reason string
}

func (p *Problem) String() string {
	return p.Name + ": " + p.Reason
}

// Report is the result of an environment check.
type Report struct {
	Subject  string
	Checked  []string
	Problems []*Problem
}

func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

// Err returns an error describing all problems, nil if there are none.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}

	errs := make([]error, 0, len(r.Problems))
	for _, p := range r.Problems {
		errs = append(errs, errors.New(p.String()))
	}

	return fmt.Errorf("%s: %w", r.Subject, errors.Join(errs...))
}

func (r *Report) String() string {
	var sb strings.Builder

	if r.OK() {
		fmt.Fprintf(&sb, "%s: ok, %d names checked\n", r.Subject, len(r.Checked))
		return sb.String()
	}

	fmt.Fprintf(&sb, "%s: %d problem(s)\n", r.Subject, len(r.Problems))

	lines := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		lines = append(lines, "- "+p.String())
	}

	sb.WriteString(stringutils.IndentString(strings.Join(lines, "\n"), "  "))
	sb.WriteString("\n")

	return sb.String()
}

func (r *Report) addProblem(name, reason string) {
	r.Problems = append(r.Problems, &Problem{Name: name, Reason: reason})
}

// CheckEnv checks the values of the required and optional variables.
// Required variables must be set to a non-empty value. SUPABASE_URL must be
// an http or https URL. LOG_LEVEL, when set, must be one of LogLevels.
func CheckEnv(lookup LookupFunc, required, optional []string) *Report {
	report := Report{Subject: "environment"}

	for _, name := range required {
		report.Checked = append(report.Checked, name)

		val, exists := lookup(name)
		if !exists {
			report.addProblem(name, "not set")
			continue
		}

		if strings.TrimSpace(val) == "" {
			report.addProblem(name, "empty")
			continue
		}

		checkValue(&report, name, val)
	}

	for _, name := range optional {
		report.Checked = append(report.Checked, name)

		val, exists := lookup(name)
		if !exists || val == "" {
			continue
		}

		checkValue(&report, name, val)
	}

	return &report
}

func checkValue(report *Report, name, val string) {
	switch name {
	case EnvSupabaseURL:
		u, err := url.Parse(val)
		if err != nil {
			report.addProblem(name, fmt.Sprintf("invalid url: %s", err))
			return
		}

		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			report.addProblem(name, "must be an http or https url with a host")
		}

	case EnvLogLevel:
		if !slices.Contains(LogLevels, strings.ToUpper(val)) {
			report.addProblem(name, fmt.Sprintf("%q is not one of %s", val, strings.Join(LogLevels, ", ")))
		}
	}
}

// CheckRepoSecrets reports the required secret names that are missing in
// present. GitHub returns secret names in upper case, names are compared
// case-insensitively.
func CheckRepoSecrets(required, present []string) *Report {
	report := Report{Subject: "repository secrets"}

	have := make(map[string]struct{}, len(present))
	for _, name := range present {
		have[strings.ToUpper(name)] = struct{}{}
	}

	for _, name := range required {
		report.Checked = append(report.Checked, name)

		if _, exists := have[strings.ToUpper(name)]; !exists {
			report.addProblem(name, "secret does not exist in the repository")
		}
	}

	return &report
}
