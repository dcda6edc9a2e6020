package process

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/deployagent/internal/core/domain"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		wantLine string
		wantSev  domain.Severity
	}{
		{"started", Started(4242), "Process started; ID: 4242", domain.SeverityProcess},
		{"stdout", Stdout("Restoring packages"), "Out> Restoring packages", domain.SeverityStdout},
		{"stderr", Stderr("warning CS0168"), "Err> warning CS0168", domain.SeverityStderr},
		{"exit zero", Exited(0, false), "Process exited; Code: 0", domain.SeverityProcess},
		{"exit non-zero", Exited(1, false), "Process exited; Code: 1", domain.SeverityError},
		{"timed out", Exited(-1, true), "Process exited; Code: -1 (timed out)", domain.SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, sev := Format(tt.event)
			assert.Equal(t, tt.wantLine, line)
			assert.Equal(t, tt.wantSev, sev)
		})
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Exited(0, false).Terminal())
	assert.False(t, Started(1).Terminal())
	assert.False(t, Stdout("x").Terminal())
}
