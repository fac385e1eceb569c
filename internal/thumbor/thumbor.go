package thumbor

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/pixelrewrite/internal/rewrite"
)

var ErrBuild = errors.New("thumbor url build failed")

type HAlign string

const (
	AlignLeft   HAlign = "left"
	AlignCenter HAlign = "center"
	AlignRight  HAlign = "right"
)

type VAlign string

const (
	AlignTop    VAlign = "top"
	AlignMiddle VAlign = "middle"
	AlignBottom VAlign = "bottom"
)

type Thumbor struct {
	host string
	key  []byte
}

// New returns a URL factory for the Thumbor server at host, which must be an
// absolute http or https URL. An empty key produces unsafe URLs.
func New(host, key string) (*Thumbor, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrBuild)
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("%w: parse host: %v", ErrBuild, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: host %q must be an absolute http or https URL", ErrBuild, host)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: host %q must not carry a query or fragment", ErrBuild, host)
	}
	if !strings.HasSuffix(host, "/") {
		host += "/"
	}
	return &Thumbor{host: host, key: []byte(key)}, nil
}

func (t *Thumbor) Host() string {
	return t.host
}

func (t *Thumbor) Signed() bool {
	return len(t.key) > 0
}

func (t *Thumbor) BuildImage(source string) *Builder {
	b := &Builder{thumbor: t, source: source}
	if strings.TrimSpace(source) == "" {
		b.fail("image source is required")
	}
	return b
}

func (t *Thumbor) ForSource(source string) rewrite.URLBuilder {
	return t.BuildImage(source)
}

func (t *Thumbor) sign(path string) string {
	mac := hmac.New(sha1.New, t.key)
	mac.Write([]byte(path))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

type Builder struct {
	thumbor *Thumbor
	source  string

	hasResize bool
	width     int
	height    int
	fitIn     bool
	trim      bool
	smart     bool
	halign    HAlign
	valign    VAlign
	filters   []string

	err error
}

func (b *Builder) fail(format string, args ...any) {
	if b.err != nil {
		return
	}
	b.err = fmt.Errorf("%w: %s", ErrBuild, fmt.Sprintf(format, args...))
}

func (b *Builder) Resize(width, height int) {
	if width < 0 || height < 0 {
		b.fail("resize dimensions must not be negative, got %dx%d", width, height)
		return
	}
	b.hasResize = true
	b.width = width
	b.height = height
}

func (b *Builder) FitIn() {
	b.fitIn = true
}

func (b *Builder) Format(format rewrite.ImageFormat) {
	switch format {
	case rewrite.FormatGIF, rewrite.FormatJPEG, rewrite.FormatPNG, rewrite.FormatWebP:
		b.filters = append(b.filters, "format("+string(format)+")")
	default:
		b.fail("unsupported image format %q", format)
	}
}

func (b *Builder) Quality(quality int) {
	if quality < 1 || quality > 100 {
		b.fail("quality must be between 1 and 100, got %d", quality)
		return
	}
	b.filters = append(b.filters, "quality("+strconv.Itoa(quality)+")")
}

// Filter appends a raw filter such as "blur(7)" or "grayscale()".
// ValidFilter reports whether filter can sit in the filters: segment. The
// segment is colon separated and ends at the next slash.
func ValidFilter(filter string) bool {
	filter = strings.TrimSpace(filter)
	return filter != "" && !strings.ContainsAny(filter, ":/")
}

func (b *Builder) Filter(filter string) {
	if !ValidFilter(filter) {
		b.fail("invalid filter %q", strings.TrimSpace(filter))
		return
	}
	b.filters = append(b.filters, strings.TrimSpace(filter))
}

func (b *Builder) Smart() {
	b.smart = true
}

func (b *Builder) Trim() {
	b.trim = true
}

func (b *Builder) Align(h HAlign, v VAlign) {
	switch h {
	case "", AlignLeft, AlignCenter, AlignRight:
	default:
		b.fail("invalid horizontal alignment %q", h)
		return
	}
	switch v {
	case "", AlignTop, AlignMiddle, AlignBottom:
	default:
		b.fail("invalid vertical alignment %q", v)
		return
	}
	b.halign = h
	b.valign = v
}

func (b *Builder) path() (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if b.fitIn && !b.hasResize {
		return "", fmt.Errorf("%w: image must be resized first in order to apply fit-in", ErrBuild)
	}

	var sb strings.Builder
	if b.trim {
		sb.WriteString("trim/")
	}
	if b.fitIn {
		sb.WriteString("fit-in/")
	}
	if b.hasResize {
		sb.WriteString(strconv.Itoa(b.width))
		sb.WriteByte('x')
		sb.WriteString(strconv.Itoa(b.height))
		sb.WriteByte('/')
	}
	if b.halign != "" && b.halign != AlignCenter {
		sb.WriteString(string(b.halign))
		sb.WriteByte('/')
	}
	if b.valign != "" && b.valign != AlignMiddle {
		sb.WriteString(string(b.valign))
		sb.WriteByte('/')
	}
	if b.smart {
		sb.WriteString("smart/")
	}
	if len(b.filters) > 0 {
		sb.WriteString("filters:")
		sb.WriteString(strings.Join(b.filters, ":"))
		sb.WriteByte('/')
	}
	sb.WriteString(b.source)
	return sb.String(), nil
}

func (b *Builder) URL() (string, error) {
	path, err := b.path()
	if err != nil {
		return "", err
	}
	if !b.thumbor.Signed() {
		return b.thumbor.host + "unsafe/" + path, nil
	}
	return b.thumbor.host + b.thumbor.sign(path) + "/" + path, nil
}
