// Package secrets resolves the credentials named in the configuration
// (webhook URLs, the catalog token) once at process start.
//
// A reference is either a literal value or "<scheme>:<name>":
//
//	env:STATUSRELAY_WEBHOOK_URL   process environment
//	file:webhook_url              file under the secrets directory
//
// "literal:" forces the rest of the string to be used verbatim.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound      = errors.New("secret not found")
	ErrUnknownScheme = errors.New("unknown secret scheme")
)

// Resolver looks up one named secret.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Env reads secrets from the process environment, optionally under a prefix.
type Env struct {
	Prefix string
	Lookup func(string) (string, bool) // defaults to os.LookupEnv
}

func (e Env) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key := e.Prefix + name
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, key)
	}
	return strings.TrimSpace(v), nil
}

// Dir reads secrets from files in a directory, one secret per file
// (the layout of systemd credentials and mounted container secrets).
type Dir struct {
	Path string
}

func (d Dir) Resolve(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.Path == "" {
		return "", fmt.Errorf("%w: no secrets directory configured", ErrNotFound)
	}
	clean := filepath.Clean(name)
	if clean != filepath.Base(clean) || clean == "." || clean == ".." {
		return "", fmt.Errorf("secrets: invalid file secret name %q", name)
	}
	b, err := os.ReadFile(filepath.Join(d.Path, clean))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, clean)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", clean, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, clean)
	}
	return v, nil
}

// Set dispatches references to resolvers by scheme.
type Set struct {
	schemes map[string]Resolver
}

func NewSet() *Set { return &Set{schemes: map[string]Resolver{}} }

// Register binds scheme (without the colon) to r.
func (s *Set) Register(scheme string, r Resolver) *Set {
	s.schemes[strings.ToLower(scheme)] = r
	return s
}

// Resolve returns the value of ref. Strings without a registered scheme prefix
// are returned unchanged, so plain URLs pass through.
func (s *Set) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	scheme = strings.ToLower(scheme)
	if scheme == "literal" {
		return name, nil
	}
	r, ok := s.schemes[scheme]
	if !ok {
		// "https://..." and similar are literals.
		if strings.HasPrefix(name, "//") {
			return ref, nil
		}
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	v, err := r.Resolve(ctx, name)
	if err != nil {
		return "", err
	}
	return v, nil
}

// ResolveAll resolves every reference in refs, keyed the same way.
// Empty references resolve to "".
func (s *Set) ResolveAll(ctx context.Context, refs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	var errs []error
	for k, ref := range refs {
		v, err := s.Resolve(ctx, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
			continue
		}
		out[k] = v
	}
	return out, errors.Join(errs...)
}
