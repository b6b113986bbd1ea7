package convert

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestVardictSkipsZeroValues(t *testing.T) {
	v := Vardict{}.
		String("handle_token", "").
		Uint32("types", 0).
		Bool("multiple", false)
	if len(v) != 0 {
		t.Fatalf("expected empty vardict, got %v", v)
	}

	v.String("handle_token", "abc").Uint32("types", 3).Bool("multiple", true)
	if got := v["handle_token"].Value(); got != "abc" {
		t.Errorf("handle_token = %v", got)
	}
	if got := v["types"].Value(); got != uint32(3) {
		t.Errorf("types = %v", got)
	}
	if got := v["multiple"].Value(); got != true {
		t.Errorf("multiple = %v", got)
	}
	if sig := v["types"].Signature().String(); sig != "u" {
		t.Errorf("types signature = %q, want u", sig)
	}
}

func TestLookupString(t *testing.T) {
	results := map[string]dbus.Variant{
		"as_string": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_42/s"),
		"as_path":   dbus.MakeVariant(dbus.ObjectPath("/org/freedesktop/portal/desktop/session/1_42/p")),
		"as_uint":   dbus.MakeVariant(uint32(7)),
	}

	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"as_string", "/org/freedesktop/portal/desktop/session/1_42/s", true},
		{"as_path", "/org/freedesktop/portal/desktop/session/1_42/p", true},
		{"as_uint", "", false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := LookupString(results, tt.key)
			if ok != tt.ok || got != tt.want {
				t.Errorf("LookupString(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.ok)
			}
		})
	}
}
