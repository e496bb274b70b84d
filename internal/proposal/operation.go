package proposal

import (
	"fmt"
	"strings"
)

// Operation kind names as persisted and exposed over the API.
const (
	KindAppend        = "append"
	KindReplaceAnchor = "replace_anchor"
	KindFullReplace   = "full_replace"
)

// Operation is the closed set of edit operations a proposal can carry.
// The interface is sealed so the compiler forces ParseOperation and every
// switch over kinds to be updated when an operation is added.
type Operation interface {
	Kind() string
	// Anchor returns the target span for replace-anchor, "" otherwise.
	Anchor() string
	// Apply computes the new body from the current body and the proposed
	// value. force skips the anchor presence check (the operation then
	// degrades to an append).
	Apply(current, proposed string, force bool) (string, error)

	sealed()
}

// Append adds content to the end of the block, never destructive.
type Append struct{}

func (Append) Kind() string   { return KindAppend }
func (Append) Anchor() string { return "" }
func (Append) sealed()        {}

func (Append) Apply(current, proposed string, _ bool) (string, error) {
	return appendBody(current, proposed), nil
}

// ReplaceAnchor replaces one specific existing span of the current body.
//
// A proposal must carry the minimal anchor text it intends to replace, not a
// whole-document snapshot: a snapshot trivially matches itself, and a naive
// substring replace against the live body would erase everything but the
// proposed fragment. The anchor is validated against the live body at
// approval time, which is also what detects genuine divergence.
type ReplaceAnchor struct {
	Target string
}

func (ReplaceAnchor) Kind() string     { return KindReplaceAnchor }
func (r ReplaceAnchor) Anchor() string { return r.Target }
func (ReplaceAnchor) sealed()          {}

func (r ReplaceAnchor) Apply(current, proposed string, force bool) (string, error) {
	if force {
		return appendBody(current, proposed), nil
	}
	switch n := strings.Count(current, r.Target); n {
	case 1:
		return strings.Replace(current, r.Target, proposed, 1), nil
	case 0:
		return "", fmt.Errorf("anchor %q no longer present in current body: %w", r.Target, ErrConflict)
	default:
		return "", fmt.Errorf("anchor %q occurs %d times in current body (must be unique): %w", r.Target, n, ErrConflict)
	}
}

// FullReplace intentionally overwrites the whole body.
type FullReplace struct{}

func (FullReplace) Kind() string   { return KindFullReplace }
func (FullReplace) Anchor() string { return "" }
func (FullReplace) sealed()        {}

func (FullReplace) Apply(_, proposed string, _ bool) (string, error) {
	return proposed, nil
}

// ParseOperation reconstructs an Operation from its persisted form.
// The switch is exhaustive over the closed kind set.
func ParseOperation(kind, anchor string) (Operation, error) {
	switch kind {
	case KindAppend:
		return Append{}, nil
	case KindReplaceAnchor:
		return ReplaceAnchor{Target: anchor}, nil
	case KindFullReplace:
		return FullReplace{}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q: %w", kind, ErrInvalidProposal)
	}
}

func appendBody(current, proposed string) string {
	if current == "" {
		return proposed
	}
	return current + "\n" + proposed
}
