package capability

import (
	"bytes"
	"encoding/binary"
	"image"
	"mime"
	"strconv"
	"strings"
	"sync"

	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	_ "golang.org/x/image/webp"
)

const mimeWebP = "image/webp"

type Static bool

func (s Static) SupportsModernFormat() bool {
	return bool(s)
}

// FromAccept reports WebP support when the Accept header lists image/webp
// with a non-zero quality. Wildcards are not treated as support.
func FromAccept(header string) rewrite.FormatCapability {
	return Static(acceptsWebP(header))
}

func acceptsWebP(header string) bool {
	for _, part := range strings.Split(header, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil || mediaType != mimeWebP {
			continue
		}
		q, ok := params["q"]
		if !ok {
			return true
		}
		weight, err := strconv.ParseFloat(q, 64)
		if err == nil && weight > 0 {
			return true
		}
	}
	return false
}

var (
	runtimeOnce      sync.Once
	runtimeSupported bool
)

// Runtime reports whether this process has a WebP decoder registered with
// the image package.
func Runtime() rewrite.FormatCapability {
	runtimeOnce.Do(func() {
		runtimeSupported = detectWebP()
	})
	return Static(runtimeSupported)
}

func detectWebP() bool {
	_, format, err := image.DecodeConfig(bytes.NewReader(webpProbe()))
	return err == nil && format == "webp"
}

// webpProbe is a RIFF container holding a 1x1 lossless VP8L header.
func webpProbe() []byte {
	vp8l := []byte{0x2f, 0x00, 0x00, 0x00, 0x00}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(4+8+len(vp8l)+1))
	buf.WriteString("WEBP")
	buf.WriteString("VP8L")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(vp8l)))
	buf.Write(vp8l)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Any reports support when at least one of caps does.
func Any(caps ...rewrite.FormatCapability) rewrite.FormatCapability {
	return rewrite.FormatCapabilityFunc(func() bool {
		for _, c := range caps {
			if c != nil && c.SupportsModernFormat() {
				return true
			}
		}
		return false
	})
}

// Parse maps a configuration value to a capability: "true"/"false" are
// static and "runtime" checks the local decoder registry.
func Parse(value string) (rewrite.FormatCapability, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "off", "no":
		return Static(false), nil
	case "true", "on", "yes":
		return Static(true), nil
	case "runtime", "auto":
		return Runtime(), nil
	default:
		return nil, &ParseError{Value: value}
	}
}

type ParseError struct {
	Value string
}

func (e *ParseError) Error() string {
	return "unsupported format capability " + strconv.Quote(e.Value)
}
