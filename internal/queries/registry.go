// Package queries loads the named analysis queries run against the price store.
package queries

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed queries.yaml
var defaultQueries []byte

var (
	ErrUnknownQuery = errors.New("unknown named query")
	ErrMissingParam = errors.New("missing query parameter")
)

type Query struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Params      []string `yaml:"params" json:"params"`
	SQL         string   `yaml:"sql" json:"-"`

	compiled string
	order    []string
}

type Registry struct {
	queries map[string]*Query
}

type file struct {
	Queries []*Query `yaml:"queries"`
}

// Load reads the registry from path, or the embedded set when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Parse(defaultQueries)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queries file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse queries: %w", err)
	}

	r := &Registry{queries: make(map[string]*Query, len(f.Queries))}
	for i, q := range f.Queries {
		if q == nil || q.Name == "" {
			return nil, fmt.Errorf("query #%d: name is required", i+1)
		}
		if _, dup := r.queries[q.Name]; dup {
			return nil, fmt.Errorf("query %q: defined twice", q.Name)
		}
		if strings.TrimSpace(q.SQL) == "" {
			return nil, fmt.Errorf("query %q: sql is required", q.Name)
		}

		q.compiled, q.order = compile(q.SQL)

		declared := make(map[string]bool, len(q.Params))
		for _, p := range q.Params {
			declared[p] = true
		}
		for _, p := range q.order {
			if !declared[p] {
				return nil, fmt.Errorf("query %q: placeholder :%s not declared in params", q.Name, p)
			}
		}
		r.queries[q.Name] = q
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Query, error) {
	q, ok := r.queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	return q, nil
}

// Names returns the registered query names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.queries))
	for n := range r.queries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) List() []*Query {
	out := make([]*Query, 0, len(r.queries))
	for _, n := range r.Names() {
		out = append(out, r.queries[n])
	}
	return out
}

// Validate fails when any of the required names is missing from the registry.
func (r *Registry) Validate(required ...string) error {
	var missing []string
	for _, n := range required {
		if _, ok := r.queries[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownQuery, strings.Join(missing, ", "))
	}
	return nil
}

// Bind returns the positional SQL and its arguments for params. Every
// declared parameter must be present.
func (q *Query) Bind(params map[string]any) (string, []any, error) {
	for _, p := range q.Params {
		if _, ok := params[p]; !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrMissingParam, q.Name, p)
		}
	}
	args := make([]any, len(q.order))
	for i, p := range q.order {
		args[i] = params[p]
	}
	return q.compiled, args, nil
}

// compile rewrites :name placeholders to $n, reusing the same index for a
// repeated name. Casts (::type) and quoted literals are left alone.
func compile(sql string) (string, []string) {
	var (
		b     strings.Builder
		order []string
		index = map[string]int{}
	)
	b.Grow(len(sql))

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			j := i + 1
			for j < len(sql) {
				if sql[j] == '\'' {
					if j+1 < len(sql) && sql[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(sql) {
				j = len(sql) - 1
			}
			b.WriteString(sql[i : j+1])
			i = j

		case c == ':' && i+1 < len(sql) && sql[i+1] == ':':
			b.WriteString("::")
			i++

		case c == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isIdent(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			n, ok := index[name]
			if !ok {
				order = append(order, name)
				n = len(order)
				index[name] = n
			}
			b.WriteString("$" + strconv.Itoa(n))
			i = j - 1

		default:
			b.WriteByte(c)
		}
	}
	return b.String(), order
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdent(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
