package dbus

import (
	"context"
	"strings"

	"github.com/KillingSpark/rustbus/fragments"
)

// ObjectPath is a DBus object path: a slash-separated identifier
// naming a remote object hosted on a bus peer. Valid paths match
// `/(segment)*` where each segment is non-empty and drawn from
// `[A-Za-z0-9_]`, except the root path "/" which has no segments.
type ObjectPath string

// validateObjectPath checks s against the DBus object path grammar.
func validateObjectPath(s string) error {
	if s == "" || s[0] != '/' {
		return errInvalidObjectPath(s, "must start with /")
	}
	if s == "/" {
		return nil
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return errInvalidObjectPath(s, "empty path segment")
		}
		for _, c := range []byte(seg) {
			if !isPathSegmentByte(c) {
				return errInvalidObjectPath(s, "invalid character in path segment")
			}
		}
	}
	return nil
}

func isPathSegmentByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// Valid reports whether p conforms to the object path grammar.
func (p ObjectPath) Valid() error {
	return validateObjectPath(string(p))
}

// IsPrefixOf reports whether p is an ancestor of (or equal to) child
// in the object path tree, used for dispatcher longest-prefix
// matching.
func (p ObjectPath) IsPrefixOf(child ObjectPath) bool {
	ps, cs := string(p), string(child)
	if ps == "/" {
		return true
	}
	if ps == cs {
		return true
	}
	return strings.HasPrefix(cs, ps+"/")
}

func (ObjectPath) SignatureDBus() Type { return Type{Kind: KindObjectPath} }

func (p ObjectPath) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if err := p.Valid(); err != nil {
		return err
	}
	e.String(string(p))
	return nil
}

func (p *ObjectPath) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	if err := validateObjectPath(s); err != nil {
		return err
	}
	*p = ObjectPath(s)
	return nil
}
