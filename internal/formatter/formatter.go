// Package formatter turns a raw event and payload into the wire body expected
// by a webhook's output style.
//
// Every supported (style, event) pair is an entry in a lookup table. A style
// may register a wildcard rule that accepts any event; anything not in the
// table fails with an *UnsupportedEventError.
package formatter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Style is the wire-format convention a downstream consumer expects
type Style string

const (
	StylePostal   Style = "postal"   // generic envelope
	StyleListmonk Style = "listmonk" // listmonk bounce webhook
)

// ErrUnsupportedEvent is matched by every *UnsupportedEventError via errors.Is
var ErrUnsupportedEvent = errors.New("formatter: unsupported event for output style")

// UnsupportedEventError reports an event the style cannot render.
type UnsupportedEventError struct {
	Event string
	Style Style
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("Unsupported event '%s' for output style '%s'", e.Event, e.Style)
}

func (e *UnsupportedEventError) Unwrap() error { return ErrUnsupportedEvent }

// Input carries everything a rule may read. Payload keys are already
// normalized to strings when a rule sees it.
type Input struct {
	Event     string
	Payload   map[string]any
	Timestamp time.Time
	ID        string
}

// Rule renders one (style, event) combination
type Rule func(in Input) any

const anyEvent = "*"

type ruleKey struct {
	style Style
	event string
}

var rules = map[ruleKey]Rule{
	{StylePostal, anyEvent}:              postalEnvelope,
	{StyleListmonk, EventMessageBounced}: listmonkBounce,
}

// Format builds the body for style. The returned value is JSON-encodable and
// deterministic for identical inputs.
func Format(style Style, event string, payload map[string]any, timestamp time.Time, id string) (any, error) {
	rule, ok := lookup(style, event)
	if !ok {
		return nil, &UnsupportedEventError{Event: event, Style: style}
	}
	return rule(Input{
		Event:     event,
		Payload:   Normalize(payload),
		Timestamp: timestamp,
		ID:        id,
	}), nil
}

// Supported reports whether style can render event
func Supported(style Style, event string) bool {
	_, ok := lookup(style, event)
	return ok
}

// Styles lists every style with at least one rule, sorted by name
func Styles() []Style {
	seen := make(map[Style]struct{})
	for k := range rules {
		seen[k.style] = struct{}{}
	}
	out := make([]Style, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events lists the explicitly supported events of style. A style that accepts
// every event returns "*".
func Events(style Style) []string {
	var out []string
	for k := range rules {
		if k.style == style {
			out = append(out, k.event)
		}
	}
	sort.Strings(out)
	return out
}

// ParseStyle validates a configured style name. An empty name selects the
// generic postal style.
func ParseStyle(s string) (Style, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return StylePostal, nil
	}
	for _, st := range Styles() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("formatter: unknown output style %q", s)
}

func lookup(style Style, event string) (Rule, bool) {
	if r, ok := rules[ruleKey{style, event}]; ok {
		return r, true
	}
	r, ok := rules[ruleKey{style, anyEvent}]
	return r, ok
}
