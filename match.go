package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that selects DBus signals, built up with its
// chaining methods and registered with [Conn.Watch]. It mirrors
// the bus's own match-rule language (spec.md §6's "match rule"),
// rather than deriving rules from a Go struct type: this library has
// no struct-reflection signal registry, so the fields a signal carries
// are matched positionally against the signal's [Value] arguments.
type Match struct {
	sender       value.Maybe[string]
	object       value.Maybe[ObjectPath]
	objectPrefix value.Maybe[ObjectPath]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	argStr       map[int]string
	argPath      map[int]ObjectPath
	arg0NS       value.Maybe[string]
}

// NewMatch returns a new Match that matches all signals.
func NewMatch() *Match {
	return &Match{}
}

// filterString returns the match in the string format that DBus wants
// for the AddMatch and RemoveMatch methods.
func (m *Match) filterString() string {
	ms := []string{"type='signal'"}
	kv := func(k string, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}

	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", string(o))
	}
	if p, ok := m.objectPrefix.GetOK(); ok {
		kv("path_namespace", string(p))
	}
	if i, ok := m.iface.GetOK(); ok {
		kv("interface", i)
	}
	if md, ok := m.member.GetOK(); ok {
		kv("member", md)
	}
	for _, i := range slices.Sorted(maps.Keys(m.argStr)) {
		kv(fmt.Sprintf("arg%d", i), m.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(m.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), string(m.argPath[i]))
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		kv("arg0namespace", n)
	}
	return strings.Join(ms, ",")
}

// clone makes a deep copy of m.
func (m *Match) clone() *Match {
	ret := *m
	ret.argStr = maps.Clone(m.argStr)
	ret.argPath = maps.Clone(m.argPath)
	return &ret
}

// matches reports whether msg (with its already-decoded body args)
// satisfies the filter. It duplicates, client-side, the same logic
// the bus applies to decide which matches to route a signal to: a
// single DBus connection carries the union of every active filter's
// signals, so each local filter re-checks the ones it cares about.
func (m *Match) matches(msg *Message, args []Value) bool {
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && !p.IsPrefixOf(msg.Path) {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && msg.Interface != i {
		return false
	}
	if md, ok := m.member.GetOK(); ok && msg.Member != md {
		return false
	}
	for i, want := range m.argStr {
		if i >= len(args) || args[i].Type().Kind != KindString || args[i].String() != want {
			return false
		}
	}
	for i, want := range m.argPath {
		if i >= len(args) {
			return false
		}
		switch args[i].Type().Kind {
		case KindObjectPath:
			if args[i].ObjectPath() != want && !want.IsPrefixOf(args[i].ObjectPath()) {
				return false
			}
		case KindString:
			if args[i].String() != string(want) && !strings.HasPrefix(args[i].String(), string(want)+"/") {
				return false
			}
		default:
			return false
		}
	}
	if n, ok := m.arg0NS.GetOK(); ok {
		if len(args) == 0 || args[0].Type().Kind != KindString {
			return false
		}
		got := args[0].String()
		if got != n && !strings.HasPrefix(got, n+".") {
			return false
		}
	}

	return true
}

// Signal restricts the Match to signals on the given interface and
// member.
func (m *Match) Signal(iface, member string) *Match {
	m.iface = value.Just(iface)
	m.member = value.Just(member)
	return m
}

// Peer restricts the Match to a single sending Peer.
func (m *Match) Peer(p Peer) *Match {
	m.sender = value.Just(p.Name())
	return m
}

// Object restricts the match to a single sending Object.
func (m *Match) Object(o Object) *Match {
	m.objectPrefix = value.Absent[ObjectPath]()
	m.object = value.Just(o.Path())
	return m
}

// ObjectPrefix restricts the Match to the Objects rooted at the given
// path prefix.
func (m *Match) ObjectPrefix(o ObjectPath) *Match {
	m.object = value.Absent[ObjectPath]()
	if o == "/" {
		// dbus-broker treats "/" the same as no path match at all, so
		// skip sending it.
		m.objectPrefix = value.Absent[ObjectPath]()
	} else {
		m.objectPrefix = value.Just(o)
	}
	return m
}

// ArgStr restricts the Match to signals whose i-th body argument is a
// string equal to val.
func (m *Match) ArgStr(i int, val string) *Match {
	if m.argStr == nil {
		m.argStr = map[int]string{}
	}
	m.argStr[i] = val
	return m
}

// ArgPathPrefix restricts the Match to signals whose i-th body
// argument is an object path (or string) with the given prefix.
func (m *Match) ArgPathPrefix(i int, val ObjectPath) *Match {
	if m.argPath == nil {
		m.argPath = map[int]ObjectPath{}
	}
	m.argPath[i] = val
	return m
}

// Arg0Namespace restricts the Match to signals whose first body
// argument is a peer or interface name with the given dot-separated
// prefix.
func (m *Match) Arg0Namespace(val string) *Match {
	m.arg0NS = value.Just(val)
	return m
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}
