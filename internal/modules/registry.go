// Package modules resolves configured module names to transformation units
// and invokes them against a mounted image root. Modules are registered at
// startup; the registry is read-only for the duration of a build.
package modules

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Module is a pluggable transformation applied to a mounted image root. An
// error return aborts the build; it propagates to the pipeline unmodified.
type Module interface {
	Transform(ctx context.Context, name, root string, cfg map[string]any) error
}

// ModuleFunc adapts a plain function to the Module interface.
type ModuleFunc func(ctx context.Context, name, root string, cfg map[string]any) error

func (f ModuleFunc) Transform(ctx context.Context, name, root string, cfg map[string]any) error {
	return f(ctx, name, root, cfg)
}

// Descriptor pairs a configured module name with its resolved implementation.
type Descriptor struct {
	Name   string
	Module Module
}

// UnknownModuleError reports every unresolvable module name at once, so a
// bad configuration fails before any device is allocated instead of midway
// through a long build.
type UnknownModuleError struct {
	Names []string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown modules: %s", strings.Join(e.Names, ", "))
}

type Registry struct {
	mods map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{mods: map[string]Module{}}
}

// Builtin returns a registry preloaded with the built-in modules.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("add_user", &AddUser{})
	r.Register("install_rpms", &InstallRPMs{})
	return r
}

func (r *Registry) Register(name string, m Module) {
	r.mods[Normalize(name)] = m
}

// Names lists the registered module names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.mods))
	for name := range r.mods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate resolves every configured name eagerly, preserving order and
// duplicates. Names that normalize to empty are dropped. If any name does
// not resolve, the returned *UnknownModuleError lists all of them.
func (r *Registry) Validate(names []string) ([]Descriptor, error) {
	var descriptors []Descriptor
	var unknown []string

	for _, realName := range names {
		normalized := Normalize(realName)
		if normalized == "" {
			continue
		}
		mod, ok := r.mods[normalized]
		if !ok {
			unknown = append(unknown, strings.TrimSpace(realName))
			continue
		}
		descriptors = append(descriptors, Descriptor{
			Name:   strings.TrimSpace(realName),
			Module: mod,
		})
	}

	if len(unknown) > 0 {
		return nil, &UnknownModuleError{Names: unknown}
	}
	return descriptors, nil
}

// Invoke runs a resolved module against the mounted root. Module errors,
// including intentional aborts, are returned as-is.
func (r *Registry) Invoke(ctx context.Context, d Descriptor, root string, cfg map[string]any) error {
	return d.Module.Transform(ctx, d.Name, root, cfg)
}

// Normalize maps a configured name onto its registry key: surrounding
// whitespace stripped, dashes replaced with underscores.
func Normalize(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
}

// stringSlice reads a list-of-strings config value; scalars and non-string
// entries are ignored rather than failing the module.
func stringSlice(cfg map[string]any, key string) []string {
	value, ok := cfg[key]
	if !ok {
		return nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, entry := range list {
		if s, ok := entry.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func chroot(ctx context.Context, root string, args ...string) error {
	cmdArgs := append([]string{root}, args...)
	out, err := exec.CommandContext(ctx, "chroot", cmdArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("chroot %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
