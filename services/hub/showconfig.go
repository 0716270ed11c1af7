package main

import (
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

var secretMarkers = []string{"SECRET", "CRYPT_KEY", "PASSWORD", "TOKEN"}

// redact masks values whose keys look like credentials
func redact(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		switch t := v.(type) {
		case map[string]any:
			out[k] = redact(t)
		case map[string]string:
			m := make(map[string]any, len(t))
			for kk, vv := range t {
				m[kk] = vv
			}
			out[k] = redact(m)
		default:
			out[k] = v
			upper := strings.ToUpper(k)
			for _, marker := range secretMarkers {
				if strings.Contains(upper, marker) {
					out[k] = "********"
					break
				}
			}
		}
	}
	return out
}

// writeConfig dumps the effective settings as YAML with credentials masked
func writeConfig(w io.Writer, settings map[string]any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redact(settings)); err != nil {
		return err
	}
	return enc.Close()
}
