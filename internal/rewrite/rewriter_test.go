package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRemote encodes every operation into the produced URL so tests can
// assert on what the rewriter asked for.
type recordingRemote struct {
	mu       sync.Mutex
	builders []*recordingBuilder
	failWith error
}

func (r *recordingRemote) ForSource(source string) URLBuilder {
	b := &recordingBuilder{source: source, err: r.failWith}
	r.mu.Lock()
	r.builders = append(r.builders, b)
	r.mu.Unlock()
	return b
}

func (r *recordingRemote) last() *recordingBuilder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.builders) == 0 {
		return nil
	}
	return r.builders[len(r.builders)-1]
}

type recordingBuilder struct {
	source string
	ops    []string
	err    error
}

func (b *recordingBuilder) Resize(width, height int) {
	b.ops = append(b.ops, fmt.Sprintf("%dx%d", width, height))
}

func (b *recordingBuilder) FitIn() {
	b.ops = append(b.ops, "fit-in")
}

func (b *recordingBuilder) Format(format ImageFormat) {
	b.ops = append(b.ops, "format-"+string(format))
}

func (b *recordingBuilder) URL() (string, error) {
	if b.err != nil {
		return "", b.err
	}
	path := strings.Join(append(append([]string{}, b.ops...), url.PathEscape(b.source)), "/")
	return "https://thumbor.example/unsafe/" + path, nil
}

func mustURI(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

var (
	modern = FormatCapabilityFunc(func() bool { return true })
	legacy = FormatCapabilityFunc(func() bool { return false })
)

func TestRewriteResourceRequestsAreUnchanged(t *testing.T) {
	for _, always := range []bool{false, true} {
		remote := &recordingRemote{}
		rw := New(remote, Policy{AlwaysTransform: always}, WithCapability(modern))

		input := Request{
			ResourceID:   42,
			URI:          mustURI(t, "https://img.example/a.jpg"),
			TargetWidth:  10,
			TargetHeight: 10,
			CenterInside: true,
		}
		out, err := rw.Rewrite(input)
		require.NoError(t, err)
		assert.False(t, out.Rewritten)
		assert.Equal(t, ReasonResource, out.Reason)
		assert.Equal(t, input, out.Request)
		assert.Nil(t, remote.last(), "builder must not be created for local resources")
	}
}

func TestRewriteMissingURIIsInvalid(t *testing.T) {
	rw := New(&recordingRemote{}, Policy{AlwaysTransform: true})

	_, err := rw.Rewrite(Request{TargetWidth: 10, TargetHeight: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Contains(t, err.Error(), "a URI is required")
}

func TestRewriteNonHTTPSchemesAreUnchanged(t *testing.T) {
	remote := &recordingRemote{}
	rw := New(remote, Policy{AlwaysTransform: true})

	for _, raw := range []string{
		"ftp://img.example/a.jpg",
		"file:///sdcard/a.jpg",
		"content://media/external/images/1",
		"data:image/png;base64,AAAA",
	} {
		input := Request{URI: mustURI(t, raw), TargetWidth: 200, TargetHeight: 100}
		out, err := rw.Rewrite(input)
		require.NoError(t, err, raw)
		assert.False(t, out.Rewritten, raw)
		assert.Equal(t, ReasonScheme, out.Reason, raw)
		assert.Same(t, input.URI, out.Request.URI, raw)
	}

	upper := &url.URL{Scheme: "HTTP", Host: "img.example", Path: "/a.jpg"}
	out, err := rw.Rewrite(Request{URI: upper, TargetWidth: 1, TargetHeight: 1})
	require.NoError(t, err)
	assert.False(t, out.Rewritten, "scheme comparison is exact")
	assert.Nil(t, remote.last())
}

func TestRewriteWithoutSizeIsUnchangedUnlessAlwaysTransform(t *testing.T) {
	input := Request{URI: mustURI(t, "https://img.example/a.jpg")}

	out, err := New(&recordingRemote{}, Policy{}).Rewrite(input)
	require.NoError(t, err)
	assert.False(t, out.Rewritten)
	assert.Equal(t, ReasonNoSize, out.Reason)

	remote := &recordingRemote{}
	out, err = New(remote, Policy{AlwaysTransform: true}, WithCapability(modern)).Rewrite(input)
	require.NoError(t, err)
	require.True(t, out.Rewritten)
	assert.Equal(t, []string{"format-webp"}, remote.last().ops)
	assert.False(t, out.Request.HasSize())
}

func TestRewriteResize(t *testing.T) {
	remote := &recordingRemote{}
	rw := New(remote, Policy{}, WithCapability(legacy))

	input := Request{
		URI:          mustURI(t, "http://img.example/a.jpg"),
		TargetWidth:  200,
		TargetHeight: 100,
	}
	out, err := rw.Rewrite(input)
	require.NoError(t, err)
	require.True(t, out.Rewritten)
	assert.Equal(t, ReasonRewritten, out.Reason)

	b := remote.last()
	assert.Equal(t, "http://img.example/a.jpg", b.source)
	assert.Equal(t, []string{"200x100"}, b.ops)

	assert.False(t, out.Request.HasSize())
	assert.Equal(t, "thumbor.example", out.Request.URI.Host)
	assert.True(t, strings.HasPrefix(out.Request.URI.Path, "/unsafe/200x100/"))

	assert.Equal(t, 200, input.TargetWidth, "input must not be mutated")
	assert.Equal(t, "img.example", input.URI.Host)
}

func TestRewriteCenterInsideUsesFitIn(t *testing.T) {
	remote := &recordingRemote{}
	rw := New(remote, Policy{}, WithCapability(modern))

	out, err := rw.Rewrite(Request{
		URI:          mustURI(t, "https://img.example/a.jpg"),
		TargetWidth:  50,
		TargetHeight: 50,
		CenterInside: true,
	})
	require.NoError(t, err)
	require.True(t, out.Rewritten)
	assert.Equal(t, []string{"50x50", "fit-in", "format-webp"}, remote.last().ops)
	assert.False(t, out.Request.CenterInside)
	assert.False(t, out.Request.HasSize())
}

func TestRewriteCenterCropIsClearedWithResize(t *testing.T) {
	remote := &recordingRemote{}
	out, err := New(remote, Policy{}).Rewrite(Request{
		URI:          mustURI(t, "https://img.example/a.jpg"),
		TargetWidth:  50,
		TargetHeight: 50,
		CenterCrop:   true,
	})
	require.NoError(t, err)
	require.True(t, out.Rewritten)
	assert.False(t, out.Request.CenterCrop)
	assert.Equal(t, []string{"50x50"}, remote.last().ops)
}

func TestRewriteConfigureRunsOnceBeforeOperations(t *testing.T) {
	remote := &recordingRemote{}
	calls := 0
	rw := New(remote, Policy{
		Configure: func(b URLBuilder) {
			calls++
			b.(*recordingBuilder).ops = append(b.(*recordingBuilder).ops, "custom")
		},
	})

	_, err := rw.Rewrite(Request{URI: mustURI(t, "https://img.example/a.jpg"), TargetWidth: 50, TargetHeight: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"custom", "50x50"}, remote.last().ops)

	_, err = rw.Rewrite(Request{URI: mustURI(t, "https://img.example/a.jpg")})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "configure must not run for pass-through requests")
}

func TestRewriteCapabilityQueriedOncePerRewrite(t *testing.T) {
	queries := 0
	rw := New(&recordingRemote{}, Policy{}, WithCapability(FormatCapabilityFunc(func() bool {
		queries++
		return false
	})))

	_, err := rw.Rewrite(Request{URI: mustURI(t, "https://img.example/a.jpg"), TargetWidth: 5, TargetHeight: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, queries)
}

func TestRewriteForCapabilityLeavesOriginalUntouched(t *testing.T) {
	base := New(&recordingRemote{}, Policy{})
	negotiated := base.ForCapability(modern)

	req := Request{URI: mustURI(t, "https://img.example/a.jpg"), TargetWidth: 5, TargetHeight: 5}

	out, err := negotiated.Rewrite(req)
	require.NoError(t, err)
	assert.Contains(t, out.Request.URI.Path, "format-webp")

	out, err = base.Rewrite(req)
	require.NoError(t, err)
	assert.NotContains(t, out.Request.URI.Path, "format-webp")
}

func TestRewriteBuilderErrorsPropagate(t *testing.T) {
	buildErr := errors.New("fit-in requires resize")
	rw := New(&recordingRemote{failWith: buildErr}, Policy{})

	_, err := rw.Rewrite(Request{URI: mustURI(t, "https://img.example/a.jpg"), TargetWidth: 5, TargetHeight: 5})
	require.Error(t, err)
	assert.Same(t, buildErr, err)
}

func TestRewriteClearedFlagsPreventDoubleProcessing(t *testing.T) {
	rw := New(&recordingRemote{}, Policy{})

	first, err := rw.Rewrite(Request{
		URI:          mustURI(t, "https://img.example/a.jpg"),
		TargetWidth:  64,
		TargetHeight: 64,
		CenterInside: true,
	})
	require.NoError(t, err)
	require.True(t, first.Rewritten)

	second, err := rw.Rewrite(first.Request)
	require.NoError(t, err)
	assert.False(t, second.Rewritten)
	assert.Equal(t, ReasonNoSize, second.Reason)
}

func TestRewriteIsSafeForConcurrentUse(t *testing.T) {
	remote := &recordingRemote{}
	rw := New(remote, Policy{AlwaysTransform: true}, WithCapability(modern))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := rw.Rewrite(Request{
				URI:          mustURI(t, fmt.Sprintf("https://img.example/%d.jpg", i)),
				TargetWidth:  i + 1,
				TargetHeight: i + 1,
			})
			assert.NoError(t, err)
			assert.True(t, out.Rewritten)
			assert.Contains(t, out.Request.URI.Path, fmt.Sprintf("/%dx%d/", i+1, i+1))
		}(i)
	}
	wg.Wait()
	assert.Len(t, remote.builders, 32)
}

type staticRemote struct{}

func (staticRemote) ForSource(source string) URLBuilder {
	return &recordingBuilder{source: source}
}

func BenchmarkRewrite(b *testing.B) {
	rw := New(staticRemote{}, Policy{}, WithCapability(modern))
	uri, err := url.Parse("https://img.example/a.jpg")
	if err != nil {
		b.Fatalf("parse uri: %v", err)
	}
	req := Request{URI: uri, TargetWidth: 640, TargetHeight: 480}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rw.Rewrite(req); err != nil {
			b.Fatalf("rewrite: %v", err)
		}
	}
}
