package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/simplesurance/gotrigger/internal/audit"
	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/dispatcher"
	"github.com/simplesurance/gotrigger/internal/maputils"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/stringutils"
)

func dispatchCmd(ctx context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("dispatch", pflag.ContinueOnError)
	dryRun := flags.Bool("dry-run", false, "print the request instead of sending it")
	triggeredBy := flags.String("triggered-by", "", "overwrite the triggered_by client payload value")
	bodyFile := flags.String("body-file", "", "file with the JSON document the payload query is run on")

	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	var body []byte
	if *bodyFile != "" {
		var err error
		body, err = os.ReadFile(*bodyFile)
		if err != nil {
			return fmt.Errorf("reading body file failed: %w", err)
		}
	}

	if *dryRun {
		return printDispatchRequest(ctx, config, &payload.Input{TriggeredBy: *triggeredBy, Body: body})
	}

	if err := setupTracing(ctx, config); err != nil {
		return err
	}

	d, err := newDispatcher(ctx, config, false)
	if err != nil {
		return err
	}

	res, err := d.Trigger(ctx, &dispatcher.Trigger{
		Source:      "cli",
		TriggeredBy: *triggeredBy,
		Body:        body,
	})
	if err != nil {
		if res != nil && res.Remediation != "" {
			fmt.Fprintf(os.Stderr, "dispatch failed (%s): %s\n\n%s\n", res.ErrorKind, err, res.Remediation)
			return &exitCodeError{code: 1}
		}

		return err
	}

	fmt.Printf("%s %s to %s, dispatch_id: %s, duration: %s\n",
		res.Status, res.Request.EventType, config.Repository.String(), res.DispatchID, res.Duration)

	return nil
}

func printDispatchRequest(ctx context.Context, config *cfg.Config, in *payload.Input) error {
	builder, err := newPayloadBuilder(config)
	if err != nil {
		return err
	}

	req, err := builder.Build(ctx, in)
	if err != nil {
		return err
	}

	if err := req.Validate(); err != nil {
		return err
	}

	data, err := req.JSON()
	if err != nil {
		return err
	}

	hdrs := payload.Headers(config.GithubAPIToken, config.UserAgent)

	fmt.Printf("POST %s\n", payload.DispatchURL(config.GithubAPIURL, config.Repository.Owner, config.Repository.RepositoryName))
	for _, k := range maputils.SortedKeys(map[string][]string(hdrs)) {
		fmt.Printf("%s: %s\n", k, stringutils.Redact(strings.Join(hdrs[k], ", "), config.GithubAPIToken))
	}
	fmt.Printf("\n%s\n", data)

	return nil
}

func runsCmd(ctx context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("runs", pflag.ContinueOnError)
	limit := flags.IntP("limit", "n", 10, "max. number of entries to list")
	showAudit := flags.Bool("audit", false, "list the entries of the dispatch audit log instead of workflow runs")

	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	if *showAudit {
		return printAuditLog(ctx, config, *limit)
	}

	clt, err := newGithubClient(config)
	if err != nil {
		return err
	}

	runs, err := clt.DispatchRuns(ctx, config.Repository.Owner, config.Repository.RepositoryName, *limit)
	if err != nil {
		return fmt.Errorf("listing workflow runs failed: %w", err)
	}

	if len(runs) == 0 {
		fmt.Printf("no repository_dispatch workflow runs found in %s\n", config.Repository.String())
		return nil
	}

	for _, r := range runs {
		fmt.Println(r.String())
	}

	return nil
}

func printAuditLog(ctx context.Context, config *cfg.Config, limit int) error {
	repo, err := openAudit(ctx, config)
	if err != nil {
		return err
	}

	if repo == nil {
		return errors.New("audit.database_url is not set in the config file")
	}

	entries, err := repo.ListRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing audit log entries failed: %w", err)
	}

	for _, e := range entries {
		fmt.Println(formatAuditEntry(e))
	}

	return nil
}

func formatAuditEntry(e *audit.Entry) string {
	s := fmt.Sprintf("%s %-10s %s %s triggered_by=%s dispatch_id=%s",
		e.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), e.Result, e.Repository, e.EventType, e.TriggeredBy, e.DispatchID)

	if e.HTTPStatus != 0 {
		s += fmt.Sprintf(" http_status=%d", e.HTTPStatus)
	}

	if e.Error != "" {
		s += fmt.Sprintf(" error=%q", e.Error)
	}

	return s
}
