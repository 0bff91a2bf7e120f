package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/payload"
	"github.com/simplesurance/gotrigger/internal/schedulerjob"
)

func schedulerCmd(ctx context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("scheduler", pflag.ContinueOnError)
	execute := flags.Bool("exec", false, "run the gcloud command instead of printing it")
	gcloudBinary := flags.String("gcloud", schedulerjob.DefBinary, "path to the gcloud binary")

	flags.Usage = func() {
		ops := make([]string, 0, len(schedulerjob.Operations))
		for _, op := range schedulerjob.Operations {
			ops = append(ops, string(op))
		}

		fmt.Fprintf(os.Stderr, "Usage: %s scheduler [OPTION]... <%s>\n", appName, strings.Join(ops, "|"))
		flags.PrintDefaults()
	}

	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("expecting exactly one scheduler operation argument")
	}

	op, err := schedulerjob.ParseOperation(flags.Arg(0))
	if err != nil {
		return err
	}

	job, err := newSchedulerJob(ctx, config)
	if err != nil {
		return err
	}

	cmd, err := job.Render(op)
	if err != nil {
		return fmt.Errorf("rendering gcloud command failed: %w", err)
	}

	if !*execute {
		fmt.Println(cmd.String())
		return nil
	}

	logger.Info(
		"running gcloud command",
		logfields.Event("scheduler_command_running"),
		logfields.SchedulerJob(job.Name),
		zap.String("operation", string(op)),
		zap.String("command", cmd.String()),
	)

	runner := schedulerjob.Runner{
		Binary: *gcloudBinary,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}

	return runner.Run(ctx, cmd)
}

// newSchedulerJob returns a job that targets the relay when
// scheduler.target_uri is configured, otherwise a job that sends the
// dispatch request directly to GitHub.
func newSchedulerJob(ctx context.Context, config *cfg.Config) (*schedulerjob.Job, error) {
	if config.Scheduler.TargetURI != "" {
		return schedulerjob.NewRelayJob(&config.Scheduler, config.Relay.AuthToken), nil
	}

	// the message body of a scheduler job is static, a dispatch_id would
	// be identical for every invocation and there is no trigger body the
	// payload query could be run on
	staticCfg := *config
	staticCfg.Dispatch.PayloadQuery = ""

	builder, err := newPayloadBuilder(&staticCfg, payload.WithIDGenerator(func() string { return "" }))
	if err != nil {
		return nil, err
	}

	req, err := builder.Build(ctx, nil)
	if err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return schedulerjob.NewDispatchJob(
		&config.Scheduler,
		config.GithubAPIURL,
		config.Repository.Owner,
		config.Repository.RepositoryName,
		config.GithubAPIToken,
		config.UserAgent,
		req,
	)
}
