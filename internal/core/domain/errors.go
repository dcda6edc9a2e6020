// Package domain holds the value types shared by every stage of the
// deployment pipeline: requests, discovered targets, per-target outcomes,
// deployment records and log entries.
package domain

import "errors"

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidRequest is returned when a trigger is missing a parameter or
	// names a repository outside the repository root.
	ErrInvalidRequest = errors.New("invalid deployment request")

	// ErrProcessStart is returned when an external executable cannot be launched.
	ErrProcessStart = errors.New("process could not be started")

	// ErrSyncFailed is returned when fetching or resetting the repository fails.
	// It aborts the current deployment.
	ErrSyncFailed = errors.New("repository sync failed")

	// ErrProfileParse is returned when a publish profile has no usable
	// publishUrl marker. It only excludes the affected project.
	ErrProfileParse = errors.New("publish profile could not be parsed")

	// ErrBuildFailed is returned when a publish process exits non-zero.
	ErrBuildFailed = errors.New("publish failed")

	// ErrBuildTimeout is returned when a publish process exceeds its deadline.
	ErrBuildTimeout = errors.New("publish timed out")

	// ErrPlaceholder is returned when the maintenance placeholder cannot be
	// written to a target's publish destination.
	ErrPlaceholder = errors.New("maintenance placeholder could not be written")

	// ErrSelfUpdate is returned when checking for or applying an update fails.
	ErrSelfUpdate = errors.New("self-update failed")

	// ErrInvalidTransition is returned for a deployment status change that the
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)
