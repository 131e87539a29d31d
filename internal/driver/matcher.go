// internal/driver/matcher.go
package driver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// messageMatcher filters dialog messages: nil accepts everything, a string
// is a substring test and a *regexp.Regexp is a pattern match.
type messageMatcher struct {
	text    string
	pattern *regexp.Regexp
	any     bool
}

func newMessageMatcher(filter any) (messageMatcher, error) {
	switch f := filter.(type) {
	case nil:
		return messageMatcher{any: true}, nil
	case string:
		return messageMatcher{text: f}, nil
	case *regexp.Regexp:
		if f == nil {
			return messageMatcher{any: true}, nil
		}
		return messageMatcher{pattern: f}, nil
	default:
		return messageMatcher{}, fmt.Errorf("%w: modal text filter must be nil, a string or a *regexp.Regexp, got %T", ErrInvalidArgument, filter)
	}
}

func (m messageMatcher) matches(message string) bool {
	switch {
	case m.any:
		return true
	case m.pattern != nil:
		return m.pattern.MatchString(message)
	default:
		return strings.Contains(message, m.text)
	}
}

// dialogAcceptor applies the accept action requested by AcceptModal.
type dialogAcceptor struct {
	kind engine.DialogType
	with *string
}

func (a dialogAcceptor) handle(d engine.Dialog) {
	if a.kind != engine.DialogPrompt {
		d.Accept("")
		return
	}
	if a.with != nil {
		d.Accept(*a.with)
		return
	}
	d.Accept(d.DefaultValue())
}
