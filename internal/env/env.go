package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env composes the environment handed to bundle scripts and worker processes.
// Layers apply in order: host environment, env files, explicit values, then the
// per-call extras given to Environ. ${VAR} references are expanded against the
// composed set; unknown references are left as written.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New returns an Env without a host layer.
func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// FromOS returns an Env whose base layer is the current process environment.
func FromOS() *Env {
	e := New()
	e.base = parsePairs(os.Environ())
	return e
}

// Set records one explicit value. Empty keys are ignored.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// Apply records "K=V" entries as explicit values.
func (e *Env) Apply(kvs []string) *Env {
	for k, v := range parsePairs(kvs) {
		e.vars[k] = v
	}
	return e
}

// LoadFile reads a dotenv style file: KEY=VALUE per line, # comments, an optional
// "export " prefix and optional surrounding quotes on the value.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		e.vars[k] = v
	}
	return sc.Err()
}

// Environ returns the composed environment in "K=V" form, sorted by key.
func (e *Env) Environ(extra ...string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parsePairs(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Lookup returns the composed value of k, expanded.
func (e *Env) Lookup(k string) (string, bool) {
	for _, kv := range e.Environ() {
		if strings.HasPrefix(kv, k+"=") {
			return kv[len(k)+1:], true
		}
	}
	return "", false
}

func parsePairs(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// expand replaces ${KEY} with its value in m, one level deep.
func expand(s string, m map[string]string) string {
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
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
