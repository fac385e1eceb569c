package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/pixelrewrite/internal/rewrite"
)

// ImageRequest is the wire form of rewrite.Request used by the HTTP API and
// batch manifests.
type ImageRequest struct {
	ID           string `json:"id,omitempty"`
	ResourceID   int    `json:"resource_id,omitempty"`
	URI          string `json:"uri,omitempty"`
	TargetWidth  int    `json:"target_width,omitempty"`
	TargetHeight int    `json:"target_height,omitempty"`
	CenterInside bool   `json:"center_inside,omitempty"`
	CenterCrop   bool   `json:"center_crop,omitempty"`
}

func (r ImageRequest) ToRewrite() (rewrite.Request, error) {
	out := rewrite.Request{
		ResourceID:   r.ResourceID,
		TargetWidth:  r.TargetWidth,
		TargetHeight: r.TargetHeight,
		CenterInside: r.CenterInside,
		CenterCrop:   r.CenterCrop,
	}
	if raw := strings.TrimSpace(r.URI); raw != "" {
		uri, err := rewrite.ParseURI(raw)
		if err != nil {
			return rewrite.Request{}, fmt.Errorf("%w: %v", rewrite.ErrInvalidRequest, err)
		}
		out.URI = uri
	}
	if err := out.Validate(); err != nil {
		return rewrite.Request{}, err
	}
	return out, nil
}

func FromRewrite(id string, r rewrite.Request) ImageRequest {
	out := ImageRequest{
		ID:           id,
		ResourceID:   r.ResourceID,
		TargetWidth:  r.TargetWidth,
		TargetHeight: r.TargetHeight,
		CenterInside: r.CenterInside,
		CenterCrop:   r.CenterCrop,
	}
	if r.URI != nil {
		out.URI = r.URI.String()
	}
	return out
}

type RewriteResult struct {
	ID        string        `json:"id,omitempty"`
	Rewritten bool          `json:"rewritten"`
	Reason    string        `json:"reason,omitempty"`
	Request   *ImageRequest `json:"request,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type Manifest struct {
	Images []ImageRequest `json:"images"`
}

func (m Manifest) Validate() error {
	if len(m.Images) == 0 {
		return errors.New("manifest must contain at least one image")
	}
	seen := make(map[string]struct{}, len(m.Images))
	for i, img := range m.Images {
		if strings.TrimSpace(img.ID) == "" {
			return fmt.Errorf("images[%d].id is required", i)
		}
		if _, dup := seen[img.ID]; dup {
			return fmt.Errorf("images[%d].id %q is duplicated", i, img.ID)
		}
		seen[img.ID] = struct{}{}
	}
	return nil
}

type BatchResult struct {
	JobID     string          `json:"job_id"`
	Profile   string          `json:"profile"`
	Total     int             `json:"total"`
	Rewritten int             `json:"rewritten"`
	Unchanged int             `json:"unchanged"`
	Failed    int             `json:"failed"`
	Results   []RewriteResult `json:"results"`
}
