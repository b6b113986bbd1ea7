package convert

import (
	"reflect"

	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}

// Vardict is an a{sv} options map. Setters skip zero values so that the
// portal applies its own defaults for anything left unset.
type Vardict map[string]dbus.Variant

func (v Vardict) String(key, value string) Vardict {
	if value != "" {
		v[key] = FromString(value)
	}
	return v
}

func (v Vardict) Uint32(key string, value uint32) Vardict {
	if value != 0 {
		v[key] = FromUint32(value)
	}
	return v
}

func (v Vardict) Bool(key string, value bool) Vardict {
	if value {
		v[key] = FromBool(value)
	}
	return v
}

// LookupString returns the string held under key. Object paths are accepted
// too since some portal backends send handles typed as 'o'.
func LookupString(results map[string]dbus.Variant, key string) (string, bool) {
	value, ok := results[key]
	if !ok {
		return "", false
	}
	switch v := value.Value().(type) {
	case string:
		return v, true
	case dbus.ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}
