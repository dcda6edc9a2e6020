package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/artpar/deployagent/internal/core/domain"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	printConfig := flag.Bool("print-config", false, "Print the effective configuration as YAML and exit")
	once := flag.Bool("once", false, "Run a single deployment and exit")
	deploymentType := flag.String("deploy-type", "", "Deployment type for -once")
	repository := flag.String("repository", "", "Repository for -once")
	flag.Parse()

	if *showVersion {
		fmt.Printf("deployagent %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	if *printConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			return ExitConfigError
		}
		return ExitSuccess
	}

	var req domain.DeploymentRequest
	if *once {
		req, err = domain.NewDeploymentRequest(*deploymentType, *repository)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -once request: %v\n", err)
			return ExitConfigError
		}
	}

	logger := SetupLogger(cfg)
	logger.Info("starting deployagent",
		"version", Version,
		"config", *configPath,
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return exitCode(logger.Error, "failed to create server", err)
	}

	ctx := context.Background()
	if *once {
		err = server.RunOnce(ctx, req)
	} else {
		err = server.Start(ctx)
	}
	if err != nil {
		return exitCode(logger.Error, "server error", err)
	}

	return ExitSuccess
}

// exitCode logs err and maps it to a process exit code.
func exitCode(logf func(string, ...any), msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logf(msg,
			"error", sErr.Err,
			"operation", sErr.Op,
		)
		return sErr.ExitCode
	}
	logf(msg, "error", err)
	return ExitConfigError
}
