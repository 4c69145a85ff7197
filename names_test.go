package dbus

import (
	"strings"
	"testing"
)

func TestValidInterfaceName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"org.freedesktop.DBus", true},
		{"a.b", true},
		{"a.b.c_d", true},
		{"_a._b", true},
		{"a1.b2", true},

		{"", false},
		{"org", false},
		{"org.", false},
		{".org", false},
		{"org..freedesktop", false},
		{"org.1digit", false},
		{"org.free-desktop", false},
		{"org.free desktop", false},
		{strings.Repeat("a.", 200) + "b", false},
	}
	for _, tc := range tests {
		if got := validInterfaceName(tc.in); got != tc.want {
			t.Errorf("validInterfaceName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidMemberName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Ping", true},
		{"_private", true},
		{"Get2", true},

		{"", false},
		{"2Get", false},
		{"Get.Id", false},
		{"Get Id", false},
		{strings.Repeat("a", 256), false},
	}
	for _, tc := range tests {
		if got := validMemberName(tc.in); got != tc.want {
			t.Errorf("validMemberName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidBusName(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"org.freedesktop.DBus", true},
		{":1.42", true},
		{"com.example-corp.App", true},

		{"", false},
		{"org", false},
		{":1", false},
		{"org..example", false},
		{"org.2example", false},
		{"org.exa mple", false},
	}
	for _, tc := range tests {
		if got := validBusName(tc.in); got != tc.want {
			t.Errorf("validBusName(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestObjectPathValid(t *testing.T) {
	tests := []struct {
		in   ObjectPath
		want bool
	}{
		{"/", true},
		{"/org", true},
		{"/org/freedesktop/DBus", true},
		{"/a_b/c1", true},

		{"", false},
		{"org/freedesktop", false},
		{"/org/", false},
		{"//org", false},
		{"/org//freedesktop", false},
		{"/org/free-desktop", false},
		{"/org/free desktop", false},
	}
	for _, tc := range tests {
		err := tc.in.Valid()
		if got := err == nil; got != tc.want {
			t.Errorf("ObjectPath(%q).Valid() = %v, want valid=%v", tc.in, err, tc.want)
		}
	}
}

func TestObjectPathChild(t *testing.T) {
	tests := []struct {
		base ObjectPath
		rel  string
		want ObjectPath
	}{
		{"/", "foo", "/foo"},
		{"/foo", "bar", "/foo/bar"},
		{"/foo/", "bar", "/foo/bar"},
		{"/foo", "/bar/", "/foo/bar"},
		{"/foo", "", "/foo"},
		{"/", "", "/"},
	}
	for _, tc := range tests {
		if got := tc.base.Child(tc.rel); got != tc.want {
			t.Errorf("ObjectPath(%q).Child(%q) = %q, want %q", tc.base, tc.rel, got, tc.want)
		}
	}
}

func TestObjectPathIsChildOf(t *testing.T) {
	tests := []struct {
		p, parent ObjectPath
		want      bool
	}{
		{"/mascots/gopher", "/mascots", true},
		{"/mascots/gopher/plushie", "/mascots", true},
		{"/mascots", "/", true},
		{"/mascots", "/mascots", false},
		{"/mascotsblue", "/mascots", false},
		{"/", "/", false},
	}
	for _, tc := range tests {
		if got := tc.p.IsChildOf(tc.parent); got != tc.want {
			t.Errorf("ObjectPath(%q).IsChildOf(%q) = %v, want %v", tc.p, tc.parent, got, tc.want)
		}
	}
}
