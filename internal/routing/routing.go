// Package routing maps record identifiers to the document collections and
// object buckets that hold them.
package routing

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ErrNoRules is returned when a rules file declares no routes.
var ErrNoRules = errors.New("routing: no rules defined")

// Route describes where the records of one identifier family live.
type Route struct {
	Name        string `yaml:"name"`
	Match       string `yaml:"match"`
	Collection  string `yaml:"collection"`
	Bucket      string `yaml:"bucket"`
	IDField     string `yaml:"idField"`
	RecordField string `yaml:"recordField"`
	// NumericID stores the identifier as an integer in the collection.
	NumericID bool `yaml:"numericId"`

	re *regexp.Regexp
}

// Key converts an identifier into the value stored under IDField.
func (r Route) Key(identifier string) (any, error) {
	if !r.NumericID {
		return identifier, nil
	}
	n, err := strconv.ParseInt(identifier, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("route %s expects a numeric identifier: %w", r.Name, err)
	}
	return n, nil
}

type file struct {
	Routes []Route `yaml:"routes"`
}

// Router resolves identifiers against an ordered rule list.
type Router struct {
	routes []Route
}

// DefaultRoutes sends purely numeric identifiers to the legacy collection and
// everything else to sessions.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "legacy", Match: `^[0-9]+$`, Collection: "legacy", IDField: "userId", RecordField: "recordId", NumericID: true},
		{Name: "sessions", Match: `.*`, Collection: "sessions", IDField: "subjectId", RecordField: "recordId"},
	}
}

// New compiles routes in order.
func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRules
	}
	compiled := make([]Route, 0, len(routes))
	seen := make(map[string]bool, len(routes))
	for i, r := range routes {
		applyDefaults(&r, i)
		if seen[r.Name] {
			return nil, fmt.Errorf("routing: duplicate route name %q", r.Name)
		}
		seen[r.Name] = true
		if r.Collection == "" {
			return nil, fmt.Errorf("routing: route %q has no collection", r.Name)
		}
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("routing: route %q: invalid match: %w", r.Name, err)
		}
		r.re = re
		compiled = append(compiled, r)
	}
	return &Router{routes: compiled}, nil
}

// Default returns a Router built from DefaultRoutes.
func Default() *Router {
	r, err := New(DefaultRoutes())
	if err != nil {
		panic(err)
	}
	return r
}

// Load reads a YAML rules file. An empty path yields the default rules.
func Load(path string) (*Router, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing file %q: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Router from YAML.
func Parse(data []byte) (*Router, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routing rules: %w", err)
	}
	return New(f.Routes)
}

// Resolve returns every route whose pattern matches identifier, in rule order.
func (r *Router) Resolve(identifier string) []Route {
	var out []Route
	for _, route := range r.routes {
		if route.re.MatchString(identifier) {
			out = append(out, route)
		}
	}
	return out
}

// Routes returns the configured routes in order.
func (r *Router) Routes() []Route {
	return append([]Route(nil), r.routes...)
}

func applyDefaults(r *Route, i int) {
	if r.Name == "" {
		r.Name = r.Collection
	}
	if r.Name == "" {
		r.Name = "route-" + strconv.Itoa(i)
	}
	if r.Match == "" {
		r.Match = ".*"
	}
	if r.IDField == "" {
		r.IDField = "subjectId"
	}
	if r.RecordField == "" {
		r.RecordField = "recordId"
	}
}
