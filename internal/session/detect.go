package session

import (
	"regexp"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
)

const (
	// ReadyMarker is printed by the tool once its prompt accepts input. It is
	// matched against raw output, escape sequences included.
	ReadyMarker = "$$Ready$$"

	// IntrospectionCommand makes the tool print its status panel, which
	// contains the session identifier. A carriage return is sent separately.
	IntrospectionCommand = "/status"

	// DismissKey closes the status panel again.
	DismissKey = "\x1b"
)

// identifierPattern matches the label and UUID in ANSI-stripped status output.
var identifierPattern = regexp.MustCompile(`(?i)Session ID:\s+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`)

// Detector finds the tool's session identifier in accumulated output.
type Detector interface {
	DetectIdentifier(buffer string) (string, bool)
}

// PatternDetector strips escape sequences from the buffer and matches a
// regular expression whose first group is the identifier.
type PatternDetector struct {
	// Pattern defaults to the "Session ID: <uuid>" status line.
	Pattern *regexp.Regexp
}

// DetectIdentifier implements Detector. The identifier is returned in
// canonical lower-case UUID form.
func (d PatternDetector) DetectIdentifier(buffer string) (string, bool) {
	pattern := d.Pattern
	if pattern == nil {
		pattern = identifierPattern
	}
	m := pattern.FindStringSubmatch(StripANSI(buffer))
	if len(m) < 2 {
		return "", false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// StripANSI removes escape sequences so styled text can be matched as plain
// text. Only the detection path uses it; clients always get raw output.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
