package stats

import (
	"fmt"
	"regexp"
	"strings"
)

const keyPrefix = "stats:downloads"

// KeyKind distinguishes a cached record from its processing lease
type KeyKind string

const (
	KindRecord     KeyKind = ""
	KindProcessing KeyKind = "processing"
)

var (
	projectPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]{0,213}[A-Za-z0-9])?$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+!_-]{0,127}$`)
	separatorRuns  = regexp.MustCompile(`[-_.]+`)
)

// StatKey identifies the statistics of a project, optionally at one version.
type StatKey struct {
	Project string
	Version *string
	Kind    KeyKind
}

// NewStatKey validates the identifiers and returns the record key for them.
// The project name is normalized so that equivalent spellings share a key.
func NewStatKey(project string, version *string) (StatKey, error) {
	if !projectPattern.MatchString(project) {
		return StatKey{}, fmt.Errorf("%w: project %q", ErrInvalidIdentifier, project)
	}
	key := StatKey{Project: NormalizeProject(project)}

	if version != nil {
		v := *version
		if !versionPattern.MatchString(v) {
			return StatKey{}, fmt.Errorf("%w: version %q", ErrInvalidIdentifier, v)
		}
		// would collide with the project-wide lease key
		if v == string(KindProcessing) {
			return StatKey{}, fmt.Errorf("%w: version %q is reserved", ErrInvalidIdentifier, v)
		}
		key.Version = &v
	}

	return key, nil
}

// NormalizeProject lowercases name and collapses runs of '-', '_' and '.' into '-'
func NormalizeProject(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(name), "-")
}

// Lease returns the processing lease key for k
func (k StatKey) Lease() StatKey {
	k.Kind = KindProcessing
	return k
}

// String renders the cache key: stats:downloads:<project>[:<version>][:<kind>]
func (k StatKey) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteByte(':')
	b.WriteString(k.Project)
	if k.Version != nil {
		b.WriteByte(':')
		b.WriteString(*k.Version)
	}
	if k.Kind != KindRecord {
		b.WriteByte(':')
		b.WriteString(string(k.Kind))
	}
	return b.String()
}

// scope labels metrics and logs
func (k StatKey) scope() string {
	if k.Version != nil {
		return "version"
	}
	return "project"
}
