package dbus

import "testing"

func TestObjectPathValid(t *testing.T) {
	tests := []struct {
		path    ObjectPath
		wantErr bool
	}{
		{"/", false},
		{"/com/example/Object", false},
		{"/a1/_b2", false},
		{"", true},
		{"no/leading/slash", true},
		{"/trailing/slash/", true},
		{"/double//slash", true},
		{"/bad-char", true},
		{"/bad.char", true},
	}
	for _, tc := range tests {
		t.Run(string(tc.path), func(t *testing.T) {
			err := tc.path.Valid()
			if (err != nil) != tc.wantErr {
				t.Errorf("%q.Valid() err = %v, wantErr %v", tc.path, err, tc.wantErr)
			}
		})
	}
}

func TestObjectPathIsPrefixOf(t *testing.T) {
	tests := []struct {
		parent, child ObjectPath
		want          bool
	}{
		{"/", "/com/example", true},
		{"/com/example", "/com/example", true},
		{"/com/example", "/com/example/sub", true},
		{"/com/example", "/com/examplefoo", false},
		{"/com/example", "/com/other", false},
		{"/com/example/sub", "/com/example", false},
	}
	for _, tc := range tests {
		if got := tc.parent.IsPrefixOf(tc.child); got != tc.want {
			t.Errorf("%q.IsPrefixOf(%q) = %v, want %v", tc.parent, tc.child, got, tc.want)
		}
	}
}
