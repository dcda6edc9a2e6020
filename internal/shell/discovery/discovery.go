// Package discovery finds the projects of a repository that can be
// published for a deployment type.
package discovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/artpar/deployagent/internal/core/domain"
	"github.com/artpar/deployagent/internal/core/profile"
)

// Config holds discovery settings.
type Config struct {
	ProjectPattern   string `mapstructure:"project_pattern" yaml:"project_pattern"`
	ProfileExtension string `mapstructure:"profile_extension" yaml:"profile_extension"`
}

func DefaultConfig() Config {
	return Config{
		ProjectPattern:   "*.csproj",
		ProfileExtension: ".pubxml",
	}
}

var errFound = errors.New("found")

// Discoverer walks a repository for project definitions and their publish
// profiles.
type Discoverer struct {
	fs     afero.Fs
	config Config
	logger *slog.Logger
}

// New creates a Discoverer over fs. A nil fs uses the OS filesystem.
func New(fs afero.Fs, cfg Config, logger *slog.Logger) *Discoverer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	defaults := DefaultConfig()
	if cfg.ProjectPattern == "" {
		cfg.ProjectPattern = defaults.ProjectPattern
	}
	if cfg.ProfileExtension == "" {
		cfg.ProfileExtension = defaults.ProfileExtension
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		fs:     fs,
		config: cfg,
		logger: logger.With("component", "discovery"),
	}
}

// Discover returns a target for every project under repoPath that has a
// profile named after deploymentType. Projects whose profile cannot be read
// or parsed are reported in the second return value and excluded. The
// error is non-nil only when the repository itself cannot be walked.
func (d *Discoverer) Discover(repoPath, deploymentType string) ([]domain.ProjectTarget, []error, error) {
	info, err := d.fs.Stat(repoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("repository %s: %w", repoPath, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("repository %s: not a directory", repoPath)
	}

	projects, err := d.findProjects(repoPath)
	if err != nil {
		return nil, nil, fmt.Errorf("scan repository %s: %w", repoPath, err)
	}

	profileName := profile.FileName(deploymentType, d.config.ProfileExtension)

	var (
		targets  []domain.ProjectTarget
		problems []error
	)
	for _, project := range projects {
		target, ok, err := d.resolve(project, profileName)
		switch {
		case err != nil:
			problems = append(problems, err)
		case ok:
			targets = append(targets, target)
		default:
			d.logger.Debug("no profile for project", "project", project, "profile", profileName)
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].SourcePath < targets[j].SourcePath
	})
	return targets, problems, nil
}

func (d *Discoverer) findProjects(root string) ([]string, error) {
	pattern := strings.ToLower(d.config.ProjectPattern)

	var projects []string
	err := afero.Walk(d.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, strings.ToLower(info.Name())); ok {
			projects = append(projects, path)
		}
		return nil
	})
	return projects, err
}

// resolve finds the first matching profile in the project's directory
// subtree, in lexical walk order.
func (d *Discoverer) resolve(project, profileName string) (domain.ProjectTarget, bool, error) {
	var profilePath string
	root := filepath.Dir(project)
	err := afero.Walk(d.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Warn("skipping unreadable path", "project", project, "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(info.Name(), profileName) {
			profilePath = path
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return domain.ProjectTarget{}, false, fmt.Errorf("scan project %s: %w", project, err)
	}
	if profilePath == "" {
		return domain.ProjectTarget{}, false, nil
	}

	content, err := afero.ReadFile(d.fs, profilePath)
	if err != nil {
		return domain.ProjectTarget{}, false, &profile.ParseError{Path: profilePath, Message: err.Error()}
	}
	publishPath, err := profile.ParseFile(profilePath, string(content))
	if err != nil {
		return domain.ProjectTarget{}, false, err
	}

	name := filepath.Base(project)
	return domain.ProjectTarget{
		Name:        strings.TrimSuffix(name, filepath.Ext(name)),
		SourcePath:  project,
		PublishPath: publishPath,
	}, true, nil
}
