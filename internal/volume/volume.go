package volume

import (
	"fmt"
	"strings"
)

// Ref identifies an RBD image by pool and image name.
type Ref struct {
	Pool string
	Name string
}

// Parse splits "pool/image".
func Parse(path string) (Ref, error) {
	pool, name, ok := strings.Cut(path, "/")
	if !ok || pool == "" || name == "" || strings.Contains(name, "/") {
		return Ref{}, fmt.Errorf("invalid volume path %q, want pool/image", path)
	}
	if strings.ContainsAny(path, "@ \t\n") {
		return Ref{}, fmt.Errorf("invalid volume path %q", path)
	}
	return Ref{Pool: pool, Name: name}, nil
}

func (r Ref) String() string { return r.Pool + "/" + r.Name }

// Snap returns the "pool/image@snap" spec used by export-diff.
func (r Ref) Snap(name string) string { return r.String() + "@" + name }

// Location is a volume plus the login target it is reached through.
// An empty Target means the local host.
type Location struct {
	Target string
	Ref    Ref
}

// ParseLocation accepts "pool/image" or "user@host:pool/image".
func ParseLocation(s string) (Location, error) {
	target, path := "", s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		target, path = s[:i], s[i+1:]
		if target == "" {
			return Location{}, fmt.Errorf("invalid location %q: empty login target", s)
		}
	}
	ref, err := Parse(path)
	if err != nil {
		return Location{}, err
	}
	return Location{Target: target, Ref: ref}, nil
}

// Remote reports whether the volume lives behind a login target.
func (l Location) Remote() bool { return l.Target != "" }

func (l Location) String() string {
	if l.Target == "" {
		return l.Ref.String()
	}
	return l.Target + ":" + l.Ref.String()
}
