// Package build holds the pure parts of publishing a target: rendering the
// publish command, locating the maintenance placeholder and classifying how
// a publish process ended.
package build

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/artpar/deployagent/internal/core/domain"
)

const (
	// DefaultPlaceholderName is the file that makes the hosting server answer
	// with the placeholder page instead of the application.
	DefaultPlaceholderName = "app_offline.htm"

	// DefaultPlaceholderContent shows a blank page that refreshes every two
	// seconds until the placeholder is removed.
	DefaultPlaceholderContent = "<html><head><style>html { background: black }</style><meta http-equiv='refresh' content='2'></head></html>"
)

// CommandSpec is a publish command template. Arguments may reference
// {name}, {source_path}, {publish_path} and {project_dir}.
type CommandSpec struct {
	Executable string   `mapstructure:"executable" yaml:"executable"`
	Args       []string `mapstructure:"args" yaml:"args"`
}

// DefaultCommand publishes with the .NET SDK.
func DefaultCommand() CommandSpec {
	return CommandSpec{
		Executable: "dotnet",
		Args:       []string{"publish", "-o", "{publish_path}", "{source_path}"},
	}
}

// Validate checks the template has an executable.
func (c CommandSpec) Validate() error {
	if strings.TrimSpace(c.Executable) == "" {
		return fmt.Errorf("publish command executable is required")
	}
	return nil
}

// RenderArgs substitutes the target's values into the argument template.
// Each argument stays a single argv element regardless of spaces in paths.
func (c CommandSpec) RenderArgs(target domain.ProjectTarget) []string {
	r := strings.NewReplacer(
		"{name}", target.Name,
		"{source_path}", target.SourcePath,
		"{publish_path}", target.PublishPath,
		"{project_dir}", target.ProjectDir(),
	)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// PlaceholderPath returns where the placeholder lives for target.
func PlaceholderPath(target domain.ProjectTarget, name string) string {
	if name == "" {
		name = DefaultPlaceholderName
	}
	return filepath.Join(target.PublishPath, name)
}

// ClassifyExit maps a process exit to a target status and error.
func ClassifyExit(exitCode int, timedOut bool) (domain.TargetStatus, error) {
	switch {
	case timedOut:
		return domain.TargetTimedOut, domain.ErrBuildTimeout
	case exitCode != 0:
		return domain.TargetFailed, fmt.Errorf("%w: exit code %d", domain.ErrBuildFailed, exitCode)
	default:
		return domain.TargetSucceeded, nil
	}
}
