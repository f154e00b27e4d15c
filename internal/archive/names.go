package archive

import (
	"path"
	"strconv"
	"strings"
)

// Names hands out entry paths that stay distinct after normalization.
// A taken path gets "~N" inserted before its extension, N counting from 2.
// Callers claim in a fixed order so the result is deterministic.
type Names struct {
	used map[string]struct{}
}

func NewNames() *Names {
	return &Names{used: make(map[string]struct{})}
}

// Claim returns the normalized form of name, suffixed if needed. Unsafe
// paths are rejected with a ValidationError and claim nothing.
func (n *Names) Claim(name string) (string, error) {
	clean, err := cleanPath(name)
	if err != nil {
		return "", err
	}
	candidate := clean
	for i := 2; n.taken(candidate); i++ {
		candidate = withSuffix(clean, i)
	}
	n.used[candidate] = struct{}{}
	return candidate, nil
}

func (n *Names) taken(p string) bool {
	_, ok := n.used[p]
	return ok
}

func withSuffix(p string, i int) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return dir + stem + "~" + strconv.Itoa(i) + ext
}
