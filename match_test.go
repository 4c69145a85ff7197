package dbus

import (
	"reflect"
	"testing"
)

type matchTestSignal struct {
	Name string
	Path ObjectPath
	Code uint32
}

type matchTestNumSignal struct {
	Code uint32
}

func init() {
	RegisterSignalType[matchTestSignal]("org.example.Match", "Thing")
	RegisterSignalType[matchTestNumSignal]("org.example.Match", "Number")
}

func TestMatchFilterString(t *testing.T) {
	tests := []struct {
		name string
		m    *Match
		want string
	}{
		{
			"all signals",
			MatchAllSignals(),
			"type='signal'",
		},
		{
			"peer and object",
			MatchAllSignals().Peer((&Conn{}).Peer(":1.23")).Object("/x"),
			"type='signal',sender=':1.23',path='/x'",
		},
		{
			"object prefix",
			MatchAllSignals().ObjectPrefix("/mascots"),
			"type='signal',path_namespace='/mascots'",
		},
		{
			"root object prefix is omitted",
			MatchAllSignals().ObjectPrefix("/"),
			"type='signal'",
		},
		{
			"object replaces prefix",
			MatchAllSignals().ObjectPrefix("/mascots").Object("/mascots/gopher"),
			"type='signal',path='/mascots/gopher'",
		},
		{
			"signal",
			MatchSignal[matchTestSignal](),
			"type='signal',interface='org.example.Match',member='Thing'",
		},
		{
			"signal arg filters",
			MatchSignal[matchTestSignal]().ArgStr(0, "gopher").ArgPathPrefix(1, "/mascots"),
			"type='signal',interface='org.example.Match',member='Thing',arg0='gopher',arg1path='/mascots'",
		},
		{
			"arg0 namespace",
			MatchSignal[matchTestSignal]().Arg0Namespace("org.example"),
			"type='signal',interface='org.example.Match',member='Thing',arg0namespace='org.example'",
		},
		{
			"quote in arg is escaped",
			MatchSignal[matchTestSignal]().ArgStr(0, "don't"),
			`type='signal',interface='org.example.Match',member='Thing',arg0='don'\''t'`,
		},
		{
			"property",
			MatchProperty("org.example.Match", "Mood"),
			"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.example.Match'",
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

func TestMatchesSignal(t *testing.T) {
	hdr := &header{
		Type:      msgTypeSignal,
		Serial:    1,
		Sender:    ":1.23",
		Path:      "/mascots/gopher",
		Interface: "org.example.Match",
		Member:    "Thing",
	}
	body := reflect.ValueOf(&matchTestSignal{
		Name: "gopher",
		Path: "/mascots/gopher/plushie",
		Code: 7,
	})

	tests := []struct {
		name string
		m    *Match
		want bool
	}{
		{"all", MatchAllSignals(), true},
		{"sender", MatchAllSignals().Peer((&Conn{}).Peer(":1.23")), true},
		{"wrong sender", MatchAllSignals().Peer((&Conn{}).Peer(":1.24")), false},
		{"object", MatchAllSignals().Object("/mascots/gopher"), true},
		{"wrong object", MatchAllSignals().Object("/mascots"), false},
		{"object prefix", MatchAllSignals().ObjectPrefix("/mascots"), true},
		{"object prefix exact", MatchAllSignals().ObjectPrefix("/mascots/gopher"), true},
		{"wrong object prefix", MatchAllSignals().ObjectPrefix("/daemons"), false},
		{"sibling object prefix", MatchAllSignals().ObjectPrefix("/mascots/gophe"), false},
		{"signal", MatchSignal[matchTestSignal](), true},
		{"wrong signal", MatchSignal[matchTestNumSignal](), false},
		{"arg str", MatchSignal[matchTestSignal]().ArgStr(0, "gopher"), true},
		{"wrong arg str", MatchSignal[matchTestSignal]().ArgStr(0, "glenda"), false},
		{"arg path on path field", MatchSignal[matchTestSignal]().ArgPathPrefix(1, "/mascots/gopher"), true},
		{"arg path exact", MatchSignal[matchTestSignal]().ArgPathPrefix(1, "/mascots/gopher/plushie"), true},
		{"wrong arg path", MatchSignal[matchTestSignal]().ArgPathPrefix(1, "/daemons"), false},
		{"arg path on string field", MatchSignal[matchTestSignal]().ArgPathPrefix(0, "/mascots"), false},
		{"arg0 namespace", MatchSignal[matchTestSignal]().Arg0Namespace("gopher"), true},
		{"arg0 namespace prefix mismatch", MatchSignal[matchTestSignal]().Arg0Namespace("gop"), false},
		{"property match never takes signals", MatchProperty("org.example.Match", "Mood"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matchesSignal(hdr, body); got != tc.want {
				t.Errorf("matchesSignal() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesSignalNamespace(t *testing.T) {
	// arg0namespace matches whole dot-separated prefixes of names.
	hdr := &header{
		Type:      msgTypeSignal,
		Serial:    1,
		Path:      "/x",
		Interface: "org.example.Match",
		Member:    "Thing",
	}
	body := reflect.ValueOf(&matchTestSignal{Name: "org.example.Frobber"})

	if !MatchSignal[matchTestSignal]().Arg0Namespace("org.example").matchesSignal(hdr, body) {
		t.Error("namespace prefix did not match")
	}
	if MatchSignal[matchTestSignal]().Arg0Namespace("org.exam").matchesSignal(hdr, body) {
		t.Error("partial element matched, want no match")
	}
}

func TestMatchesProperty(t *testing.T) {
	hdr := &header{
		Type:      msgTypeSignal,
		Serial:    1,
		Sender:    ":1.23",
		Path:      "/mascots/gopher",
		Interface: ifaceProps,
		Member:    "PropertiesChanged",
	}
	prop := interfaceMember{"org.example.Match", "Mood"}

	tests := []struct {
		name string
		m    *Match
		want bool
	}{
		{"property", MatchProperty("org.example.Match", "Mood"), true},
		{"wrong property", MatchProperty("org.example.Match", "Hue"), false},
		{"wrong interface", MatchProperty("org.example.Other", "Mood"), false},
		{"scoped to sender", MatchProperty("org.example.Match", "Mood").Peer((&Conn{}).Peer(":1.23")), true},
		{"wrong sender", MatchProperty("org.example.Match", "Mood").Peer((&Conn{}).Peer(":1.9")), false},
		{"scoped to object prefix", MatchProperty("org.example.Match", "Mood").ObjectPrefix("/mascots"), true},
		{"wrong object", MatchProperty("org.example.Match", "Mood").Object("/daemons"), false},
		{"signal match never takes properties", MatchAllSignals(), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.matchesProperty(hdr, prop); got != tc.want {
				t.Errorf("matchesProperty() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchBuilderPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		fn()
	}

	mustPanic("MatchSignal of unregistered type", func() {
		MatchSignal[Simple]()
	})
	mustPanic("ArgStr on a non-signal match", func() {
		MatchAllSignals().ArgStr(0, "x")
	})
	mustPanic("ArgStr on a non-string arg", func() {
		MatchSignal[matchTestSignal]().ArgStr(2, "x")
	})
	mustPanic("ArgPathPrefix on a non-signal match", func() {
		MatchProperty("org.example.Match", "Mood").ArgPathPrefix(0, "/x")
	})
	mustPanic("ArgPathPrefix on a numeric arg", func() {
		MatchSignal[matchTestSignal]().ArgPathPrefix(2, "/x")
	})
	mustPanic("Arg0Namespace on a non-signal match", func() {
		MatchAllSignals().Arg0Namespace("org.example")
	})
	mustPanic("Arg0Namespace on a non-string arg0", func() {
		MatchSignal[matchTestNumSignal]().Arg0Namespace("org.example")
	})
}
