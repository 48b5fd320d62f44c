package master

import "strings"

// Params holds the parsed programmer parameter grammar of spec §6: a
// comma-separated key=value list, opaque to the core beyond the
// well-known keys every transport may expose.
type Params map[string]string

// ParseParams parses "key=value,key2=value2" into a Params map. A bare key
// with no "=" is stored with an empty value, mirroring flashrom's own
// permissive programmer-param parsing (internal.c).
func ParseParams(s string) Params {
	p := Params{}
	if s == "" {
		return p
	}
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		if i := strings.IndexByte(kv, '='); i >= 0 {
			p[kv[:i]] = kv[i+1:]
		} else {
			p[kv] = ""
		}
	}
	return p
}

// Well-known keys a master may look for (spec §6).
const (
	ParamSPISpeed = "spispeed"
	ParamSerial   = "serial"
	ParamVoltage  = "voltage"
	ParamDev      = "dev"
	ParamBus      = "bus"
	ParamTarget   = "target"
)

func (p Params) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

func (p Params) GetOr(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}
