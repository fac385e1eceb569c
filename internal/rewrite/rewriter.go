// Package rewrite decides whether an image request should be served by a
// remote image-processing service and, if so, rewrites its URI so the remote
// side performs the resize, fit-in and format work instead of the local
// pipeline.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrInvalidRequest = errors.New("invalid request")

type ImageFormat string

const (
	FormatGIF  ImageFormat = "gif"
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
	FormatWebP ImageFormat = "webp"
)

// URLBuilder accumulates remote operations for a single source image.
// Builders are single use; errors are kept and reported by URL.
type URLBuilder interface {
	Resize(width, height int)
	FitIn()
	Format(format ImageFormat)
	URL() (string, error)
}

type RemoteURLBuilder interface {
	ForSource(source string) URLBuilder
}

type FormatCapability interface {
	SupportsModernFormat() bool
}

type FormatCapabilityFunc func() bool

func (f FormatCapabilityFunc) SupportsModernFormat() bool {
	return f()
}

// ConfigureFunc may add arbitrary parameters to the builder before the URL
// is produced. It must not retain the builder.
type ConfigureFunc func(b URLBuilder)

func NoConfigure(URLBuilder) {}

type Policy struct {
	AlwaysTransform bool
	Configure       ConfigureFunc
}

type Reason string

const (
	ReasonResource  Reason = "resource"
	ReasonScheme    Reason = "scheme"
	ReasonNoSize    Reason = "no_size"
	ReasonRewritten Reason = "rewritten"
)

type Outcome struct {
	Request   Request
	Rewritten bool
	Reason    Reason
}

type Option func(*Rewriter)

func WithCapability(c FormatCapability) Option {
	return func(r *Rewriter) {
		r.capability = c
	}
}

type Rewriter struct {
	remote     RemoteURLBuilder
	policy     Policy
	capability FormatCapability
}

func New(remote RemoteURLBuilder, policy Policy, opts ...Option) *Rewriter {
	if policy.Configure == nil {
		policy.Configure = NoConfigure
	}
	r := &Rewriter{
		remote: remote,
		policy: policy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rewriter) Policy() Policy {
	return r.policy
}

// ForCapability returns a copy of r that consults c for format support.
func (r *Rewriter) ForCapability(c FormatCapability) *Rewriter {
	out := *r
	out.capability = c
	return &out
}

func (r *Rewriter) Rewrite(req Request) (Outcome, error) {
	if req.ResourceID != 0 {
		return unchanged(req, ReasonResource), nil
	}
	if req.URI == nil {
		return Outcome{}, fmt.Errorf("%w: a URI is required when no resource identifier is set", ErrInvalidRequest)
	}
	if scheme := req.URI.Scheme; scheme != "http" && scheme != "https" {
		return unchanged(req, ReasonScheme), nil
	}
	if !req.HasSize() && !r.policy.AlwaysTransform {
		return unchanged(req, ReasonNoSize), nil
	}

	next := req.Clone()

	builder := r.remote.ForSource(req.URI.String())
	r.policy.Configure(builder)

	if req.HasSize() {
		builder.Resize(req.TargetWidth, req.TargetHeight)
		next = next.clearResize()
	}

	if req.CenterInside {
		builder.FitIn()
		next.CenterInside = false
	}

	if r.capability != nil && r.capability.SupportsModernFormat() {
		builder.Format(FormatWebP)
	}

	raw, err := builder.URL()
	if err != nil {
		return Outcome{}, err
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse remote url %q: %w", raw, err)
	}
	next.URI = uri

	return Outcome{Request: next, Rewritten: true, Reason: ReasonRewritten}, nil
}

func unchanged(req Request, reason Reason) Outcome {
	return Outcome{Request: req, Reason: reason}
}
