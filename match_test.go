package dbus

import "testing"

func sigMessage(sender, path, iface, member string) *Message {
	return &Message{
		Kind:      MessageSignal,
		Sender:    sender,
		Path:      ObjectPath(path),
		Interface: iface,
		Member:    member,
	}
}

func TestMatchFilterString(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		want string
	}{
		{"all signals", NewMatch(), `type='signal'`},
		{"signal", NewMatch().Signal("org.test", "Signal"), `type='signal',interface='org.test',member='Signal'`},
		{
			"sender",
			NewMatch().Signal("org.test", "Signal").Peer(Peer{name: "test"}),
			`type='signal',sender='test',interface='org.test',member='Signal'`,
		},
		{
			"object",
			NewMatch().Signal("org.test", "Signal").Object(Object{path: "/test"}),
			`type='signal',path='/test',interface='org.test',member='Signal'`,
		},
		{
			"object prefix",
			NewMatch().Signal("org.test", "Signal").ObjectPrefix("/test"),
			`type='signal',path_namespace='/test',interface='org.test',member='Signal'`,
		},
		{
			"object prefix root is dropped",
			NewMatch().Signal("org.test", "Signal").ObjectPrefix("/"),
			`type='signal',interface='org.test',member='Signal'`,
		},
		{
			"args",
			NewMatch().Signal("org.test", "Signal").ArgStr(0, "foo").ArgStr(2, "bar"),
			`type='signal',interface='org.test',member='Signal',arg0='foo',arg2='bar'`,
		},
		{
			"arg path prefix",
			NewMatch().Signal("org.test", "Signal").ArgPathPrefix(0, "/foo"),
			`type='signal',interface='org.test',member='Signal',arg0path='/foo'`,
		},
		{
			"arg0 namespace",
			NewMatch().Signal("org.test", "Signal").Arg0Namespace("foo.bar"),
			`type='signal',interface='org.test',member='Signal',arg0namespace='foo.bar'`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.filterString(); got != tc.want {
				t.Errorf("filterString() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMatchMatches(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		msg  *Message
		args []Value
		want bool
	}{
		{
			"all signals",
			NewMatch(),
			sigMessage("test", "/test", "org.test", "Signal"),
			nil,
			true,
		},
		{
			"interface+member match",
			NewMatch().Signal("org.test", "Signal"),
			sigMessage("test", "/test", "org.test", "Signal"),
			nil,
			true,
		},
		{
			"interface+member mismatch",
			NewMatch().Signal("org.test", "Signal"),
			sigMessage("test2", "/test2", "org.test2", "Signal2"),
			nil,
			false,
		},
		{
			"sender match",
			NewMatch().Peer(Peer{name: "test"}),
			sigMessage("test", "/test", "org.test", "Signal"),
			nil,
			true,
		},
		{
			"sender mismatch",
			NewMatch().Peer(Peer{name: "test"}),
			sigMessage("test2", "/test", "org.test", "Signal"),
			nil,
			false,
		},
		{
			"object prefix match",
			NewMatch().ObjectPrefix("/test"),
			sigMessage("test", "/test/foo", "org.test", "Signal"),
			nil,
			true,
		},
		{
			"object prefix non-match",
			NewMatch().ObjectPrefix("/test"),
			sigMessage("test", "/testfoo", "org.test", "Signal"),
			nil,
			false,
		},
		{
			"arg string match",
			NewMatch().ArgStr(0, "foo").ArgStr(2, "bar"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewString("foo"), NewString("unused"), NewString("bar")},
			true,
		},
		{
			"arg string mismatch",
			NewMatch().ArgStr(0, "foo"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewString("nope")},
			false,
		},
		{
			"arg path prefix match",
			NewMatch().ArgPathPrefix(0, "/foo"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewObjectPath("/foo/bar")},
			true,
		},
		{
			"arg path prefix mismatch",
			NewMatch().ArgPathPrefix(0, "/foo"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewObjectPath("/zot")},
			false,
		},
		{
			"arg0 namespace match",
			NewMatch().Arg0Namespace("foo.bar"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewString("foo.bar.baz")},
			true,
		},
		{
			"arg0 namespace mismatch",
			NewMatch().Arg0Namespace("foo.bar"),
			sigMessage("test", "/test", "org.test", "Signal"),
			[]Value{NewString("foo.barbaz")},
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matches(tc.msg, tc.args); got != tc.want {
				t.Errorf("matches() = %v, want %v", got, tc.want)
			}
		})
	}
}
