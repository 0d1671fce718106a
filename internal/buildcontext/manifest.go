package buildcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ManifestFile is the dependency manifest consumed read-only from the build
// context.
const ManifestFile = "pyproject.toml"

// Manifest is the subset of the project manifest the builder cares about:
// the project identity and its declared dependencies.
type Manifest struct {
	Project struct {
		Name         string   `toml:"name"`
		Version      string   `toml:"version"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// Requirement is one declared dependency, split into a canonical name and
// the raw version constraint that followed it.
type Requirement struct {
	Name       string
	Constraint string

	// Pinned is the exact version when the constraint is ==, empty otherwise.
	Pinned string
}

func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "decode manifest")
	}

	if m.Project.Name == "" {
		return Manifest{}, errors.New("manifest: project name is required")
	}

	return m, nil
}

// Requirements parses the declared dependencies. Names are canonicalized so
// they can be matched against lock entries.
func (m Manifest) Requirements() []Requirement {
	reqs := make([]Requirement, 0, len(m.Project.Dependencies))
	for _, dep := range m.Project.Dependencies {
		reqs = append(reqs, parseRequirement(dep))
	}

	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Name < reqs[j].Name })

	return reqs
}

// ContentHash is the sha256 of the canonical dependency list. The lock file
// records the hash of the manifest it was resolved from; the two must match
// before the frozen install runs.
func (m Manifest) ContentHash() string {
	deps := make([]string, 0, len(m.Project.Dependencies))
	for _, dep := range m.Project.Dependencies {
		deps = append(deps, strings.TrimSpace(dep))
	}
	sort.Strings(deps)

	h := sha256.Sum256([]byte(strings.Join(deps, "\n")))
	return "sha256:" + hex.EncodeToString(h[:])
}

func parseRequirement(dep string) Requirement {
	dep = strings.TrimSpace(dep)

	for _, op := range []string{"==", ">=", "<=", "~=", "!=", ">", "<"} {
		if i := strings.Index(dep, op); i >= 0 {
			req := Requirement{
				Name:       CanonicalName(dep[:i]),
				Constraint: strings.TrimSpace(dep[i:]),
			}
			if op == "==" {
				req.Pinned = strings.TrimSpace(dep[i+len(op):])
			}
			return req
		}
	}

	return Requirement{Name: CanonicalName(dep)}
}

// CanonicalName normalizes a distribution name the way Python package
// indexes do: lowercase, with runs of -, _ and . collapsed to a single -.
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	sep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('-')
		}
		sep = false
		b.WriteRune(r)
	}

	return b.String()
}
