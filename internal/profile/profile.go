package profile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	"github.com/dunamismax/pixelrewrite/internal/thumbor"
	"gopkg.in/yaml.v3"
)

const DefaultName = "default"

var (
	ErrUnknownProfile = errors.New("unknown profile")
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile holds the remote parameters applied to every rewrite made under
// its name.
type Profile struct {
	Name            string   `yaml:"-"`
	AlwaysTransform bool     `yaml:"always_transform"`
	Quality         int      `yaml:"quality"`
	Smart           bool     `yaml:"smart"`
	Trim            bool     `yaml:"trim"`
	HAlign          string   `yaml:"halign"`
	VAlign          string   `yaml:"valign"`
	Filters         []string `yaml:"filters"`
}

type file struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if p.Quality != 0 && (p.Quality < 1 || p.Quality > 100) {
		return fmt.Errorf("%w: %s: quality must be between 1 and 100", ErrInvalidProfile, p.Name)
	}
	switch thumbor.HAlign(p.HAlign) {
	case "", thumbor.AlignLeft, thumbor.AlignCenter, thumbor.AlignRight:
	default:
		return fmt.Errorf("%w: %s: unsupported halign %q", ErrInvalidProfile, p.Name, p.HAlign)
	}
	switch thumbor.VAlign(p.VAlign) {
	case "", thumbor.AlignTop, thumbor.AlignMiddle, thumbor.AlignBottom:
	default:
		return fmt.Errorf("%w: %s: unsupported valign %q", ErrInvalidProfile, p.Name, p.VAlign)
	}
	for i, f := range p.Filters {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: %s: filters[%d] is empty", ErrInvalidProfile, p.Name, i)
		}
		if !thumbor.ValidFilter(f) {
			return fmt.Errorf("%w: %s: filters[%d] %q must not contain ':' or '/'", ErrInvalidProfile, p.Name, i, f)
		}
	}
	return nil
}

// extendedBuilder is the part of a remote builder a profile can drive
// beyond the core resize and format operations.
type extendedBuilder interface {
	Quality(quality int)
	Filter(filter string)
	Smart()
	Trim()
	Align(h thumbor.HAlign, v thumbor.VAlign)
}

func (p Profile) Policy() rewrite.Policy {
	return rewrite.Policy{
		AlwaysTransform: p.AlwaysTransform,
		Configure:       p.configure,
	}
}

func (p Profile) configure(b rewrite.URLBuilder) {
	ext, ok := b.(extendedBuilder)
	if !ok {
		return
	}
	if p.Trim {
		ext.Trim()
	}
	if p.HAlign != "" || p.VAlign != "" {
		ext.Align(thumbor.HAlign(p.HAlign), thumbor.VAlign(p.VAlign))
	}
	if p.Smart {
		ext.Smart()
	}
	if p.Quality > 0 {
		ext.Quality(p.Quality)
	}
	for _, f := range p.Filters {
		ext.Filter(f)
	}
}

type Registry struct {
	profiles map[string]Profile
}

// NewRegistry always contains DefaultName; the supplied default overrides
// its AlwaysTransform flag unless profiles redefine it.
func NewRegistry(alwaysTransform bool, profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: map[string]Profile{
		DefaultName: {Name: DefaultName, AlwaysTransform: alwaysTransform},
	}}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		r.profiles[p.Name] = p
	}
	return r, nil
}

func Load(path string, alwaysTransform bool) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry(alwaysTransform)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file %s: %w", path, err)
	}
	return Parse(data, alwaysTransform)
}

func Parse(data []byte, alwaysTransform bool) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	profiles := make([]Profile, 0, len(f.Profiles))
	for name, p := range f.Profiles {
		p.Name = name
		profiles = append(profiles, p)
	}
	return NewRegistry(alwaysTransform, profiles...)
}

func (r *Registry) Get(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rewriters compiles one rewriter per profile over the same remote.
func (r *Registry) Rewriters(remote rewrite.RemoteURLBuilder, opts ...rewrite.Option) Rewriters {
	out := make(Rewriters, len(r.profiles))
	for name, p := range r.profiles {
		out[name] = rewrite.New(remote, p.Policy(), opts...)
	}
	return out
}

type Rewriters map[string]*rewrite.Rewriter

func (rs Rewriters) Lookup(name string) (*rewrite.Rewriter, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	rw, ok := rs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return rw, nil
}
