package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// handleRe matches user handles: 1-32 lowercase alphanumeric or hyphens,
// starting and ending with alphanumeric. Handles appear in identity
// documents and log lines; the format prevents injection via names
// containing '/', newlines, or other special characters.
var handleRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,30}[a-z0-9])?$`)

// projectNameRe matches project names: 1-64 characters of alphanumerics,
// hyphens, underscores and dots, starting with an alphanumeric. Dots are
// permitted mid-name (e.g. "peerd.rs") but ".." never is.
var projectNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Handle checks that a user handle is safe for use in identity documents.
func Handle(name string) error {
	if name == "" {
		return fmt.Errorf("%w: handle cannot be empty", ErrInvalidHandle)
	}
	if !handleRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-32 lowercase alphanumeric characters or hyphens, starting and ending with alphanumeric", ErrInvalidHandle, name)
	}
	return nil
}

// ProjectName checks that a project name is safe for use in identity
// documents and ref namespaces.
func ProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidProjectName)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q must not contain '..'", ErrInvalidProjectName, name)
	}
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-64 alphanumeric characters, hyphens, underscores or dots, starting with alphanumeric", ErrInvalidProjectName, name)
	}
	return nil
}

// RefName checks that a git ref name is storable: no control characters,
// no "..", no leading/trailing slashes, no "@{" sequence.
func RefName(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: ref cannot be empty", ErrInvalidRefName)
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "@{") {
		return fmt.Errorf("%w: %q contains a forbidden sequence", ErrInvalidRefName, ref)
	}
	if strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") {
		return fmt.Errorf("%w: %q has a forbidden prefix or suffix", ErrInvalidRefName, ref)
	}
	for _, r := range ref {
		if r < 0x20 || r == 0x7f || r == ' ' || r == '~' || r == '^' || r == ':' || r == '?' || r == '*' || r == '[' || r == '\\' {
			return fmt.Errorf("%w: %q contains forbidden character %q", ErrInvalidRefName, ref, r)
		}
	}
	return nil
}
