// Package env composes the environment handed to the backend process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Parse turns "K=V" entries into a map. Entries without '=' or with an empty
// key are dropped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Merge composes the final environment: the OS environment first, then each
// layer in order. A value may reference ${VAR} from anything composed before
// it, including earlier entries of the same layer. The result is sorted by key.
func Merge(layers ...[]string) []string {
	return MergeOver(os.Environ(), layers...)
}

// MergeOver is Merge with an explicit base instead of the OS environment.
func MergeOver(base []string, layers ...[]string) []string {
	m := Parse(base)
	for _, layer := range layers {
		for _, kv := range layer {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				continue
			}
			// expanded before assignment so ${PATH}-style appends see the
			// inherited value
			m[kv[:i]] = expand(kv[i+1:], m)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// expand replaces ${VAR} references; unknown names expand to "". A bare $ is
// left alone.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
}
