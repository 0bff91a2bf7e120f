package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/githubclt"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/triggererr"
	"github.com/simplesurance/gotrigger/internal/workflowenv"
)

func preflightCmd(ctx context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("preflight", pflag.ContinueOnError)
	skipSecrets := flags.Bool("skip-secrets", false, "do not verify the repository secrets")

	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	if config.GithubAPIToken == "" {
		return errors.New("github_api_token is not set in the config file and GITHUB_TOKEN is empty")
	}

	clt, err := newGithubClient(config)
	if err != nil {
		return err
	}

	owner, repo := config.Repository.Owner, config.Repository.RepositoryName
	failed := false

	login, permission, err := clt.ViewerPermission(ctx, owner, repo)
	if err != nil {
		fmt.Printf("token: FAILED: %s\n", err)
		if remediation := triggererr.Remediation(err); remediation != "" {
			fmt.Printf("\n%s\n", remediation)
		}

		return &exitCodeError{code: 1}
	}

	logger.Debug(
		"retrieved token permission",
		logfields.Event("preflight_permission_retrieved"),
		logfields.RepositoryOwner(owner),
		logfields.Repository(repo),
		zap.String("login", login),
		zap.String("permission", permission),
	)

	if githubclt.CanDispatch(permission) {
		fmt.Printf("token: ok, user %s has %s permission on %s\n", login, permission, config.Repository.String())
	} else {
		failed = true
		fmt.Printf("token: FAILED, user %s has %q permission on %s, WRITE or higher is required\n", login, permission, config.Repository.String())
		fmt.Printf("\n%s\n", triggererr.KindForbidden.Remediation())
	}

	if *skipSecrets {
		return exitCode(failed)
	}

	names, err := clt.RepoSecretNames(ctx, owner, repo)
	if err != nil {
		kind := triggererr.KindOf(err)
		if kind == triggererr.KindForbidden || kind == triggererr.KindNotFound {
			fmt.Printf("repository secrets: skipped, the token can not list secrets (%s)\n", kind)
			return exitCode(failed)
		}

		return fmt.Errorf("listing repository secrets failed: %w", err)
	}

	report := workflowenv.CheckRepoSecrets(config.Workflow.RequiredSecrets, names)
	fmt.Print(report.String())

	return exitCode(failed || !report.OK())
}

func exitCode(failed bool) error {
	if failed {
		return &exitCodeError{code: 1}
	}

	return nil
}

func checkEnvCmd(_ context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("check-env", pflag.ContinueOnError)
	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	report := workflowenv.CheckEnv(os.LookupEnv, config.Workflow.RequiredSecrets, config.Workflow.OptionalVariables)
	fmt.Print(report.String())

	return exitCode(!report.OK())
}
