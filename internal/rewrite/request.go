package rewrite

import (
	"errors"
	"fmt"
	"net/url"
)

// Request describes a wanted image fetch. A non-zero ResourceID refers to
// bundled content; otherwise URI names the remote image.
type Request struct {
	ResourceID   int
	URI          *url.URL
	TargetWidth  int
	TargetHeight int
	CenterInside bool
	CenterCrop   bool
}

func (r Request) HasSize() bool {
	return r.TargetWidth != 0 || r.TargetHeight != 0
}

// Clone returns a copy that shares no memory with r.
func (r Request) Clone() Request {
	out := r
	if r.URI != nil {
		u := *r.URI
		if r.URI.User != nil {
			user := *r.URI.User
			u.User = &user
		}
		out.URI = &u
	}
	return out
}

func (r Request) clearResize() Request {
	r.TargetWidth = 0
	r.TargetHeight = 0
	r.CenterCrop = false
	return r
}

func (r Request) Validate() error {
	if r.ResourceID == 0 && r.URI == nil {
		return fmt.Errorf("%w: a URI is required when no resource identifier is set", ErrInvalidRequest)
	}
	if r.TargetWidth < 0 || r.TargetHeight < 0 {
		return fmt.Errorf("%w: target size must not be negative", ErrInvalidRequest)
	}
	if r.CenterInside && r.CenterCrop {
		return fmt.Errorf("%w: center_inside and center_crop are mutually exclusive", ErrInvalidRequest)
	}
	if (r.CenterInside || r.CenterCrop) && !r.HasSize() {
		return fmt.Errorf("%w: centering requires a target size", ErrInvalidRequest)
	}
	return nil
}

// ParseURI is a convenience for callers building a Request from text.
func ParseURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("uri is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	return u, nil
}
