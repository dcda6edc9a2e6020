// Package profile extracts the publish destination from publish profiles.
//
// Profiles are not parsed as XML: the destination is the verbatim text
// between the first opening publishUrl marker and the closing marker that
// follows it. Profiles in the wild are frequently hand-edited and need not
// be well-formed documents.
package profile

import (
	"fmt"
	"strings"

	"github.com/artpar/deployagent/internal/core/domain"
)

const (
	openMarker  = "<publishUrl>"
	closeMarker = "</publishUrl>"
)

// ParseError reports a profile without a usable destination.
type ParseError struct {
	Path    string
	Message string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("publish profile: %s", e.Message)
	}
	return fmt.Sprintf("publish profile %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return domain.ErrProfileParse
}

// ExtractPublishURL returns the text between the first publishUrl markers.
// The value is returned as-is; only a blank value is rejected.
func ExtractPublishURL(content string) (string, error) {
	start := strings.Index(content, openMarker)
	if start < 0 {
		return "", &ParseError{Message: "missing " + openMarker}
	}
	start += len(openMarker)

	length := strings.Index(content[start:], closeMarker)
	if length < 0 {
		return "", &ParseError{Message: "unterminated " + openMarker}
	}

	value := content[start : start+length]
	if strings.TrimSpace(value) == "" {
		return "", &ParseError{Message: "empty " + openMarker}
	}
	return value, nil
}

// ParseFile is ExtractPublishURL with the profile path attached to errors.
func ParseFile(path, content string) (string, error) {
	value, err := ExtractPublishURL(content)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return "", err
	}
	return value, nil
}

// FileName returns the profile file name for a deployment type, e.g.
// FileName("Production", ".pubxml") == "Production.pubxml".
func FileName(deploymentType, extension string) string {
	if extension != "" && !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return deploymentType + extension
}
