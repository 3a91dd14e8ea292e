package env

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the child process.
type Env struct {
	Var   Var  // variables applied over the base
	UseOS bool // start from the supervisor's own environment
	env   Var  // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var:   make(Var),
		UseOS: true,
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parsePairs(os.Environ())
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// LoadFile reads KEY=VALUE lines into e.Var. Blank lines and lines starting
// with '#' are skipped; an optional "export " prefix and surrounding quotes
// on the value are removed.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied env file
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
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
			return fmt.Errorf("env file %s:%d: expected KEY=VALUE", path, n)
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		e.Set(k, v)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (when UseOS)
// then e.Var overrides
// then extra (slice of "K=V") overrides.
// ${VAR} references are expanded against the composed map (no recursion).
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if e.UseOS {
		if e.env == nil {
			e.FromOS()
		}
		for k, v := range e.env {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parsePairs(extra) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func parsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${NAME} with its value from m. Unknown names become empty.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
	return b.String()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
