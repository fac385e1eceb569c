package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelrewrite/internal/capability"
	"github.com/dunamismax/pixelrewrite/internal/domain"
	"github.com/dunamismax/pixelrewrite/internal/rewrite"
	"golang.org/x/sync/errgroup"
)

const (
	SourceTypeLocalFile = domain.SourceTypeLocalFile
	resultFileName      = "result.json"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrInvalidManifest       = errors.New("invalid manifest")
)

type Request struct {
	JobID        string
	SourceType   string
	ObjectKey    string
	Profile      string
	// SupportsWebP overrides the rewriter's configured format capability
	// when set.
	SupportsWebP *bool
}

type Result struct {
	Batch       domain.BatchResult
	ResultKey   string
	SourceBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte) (string, error)
}

type RewriterLookup interface {
	Lookup(profile string) (*rewrite.Rewriter, error)
}

type Processor struct {
	fetcher   Fetcher
	emitter   Emitter
	rewriters RewriterLookup
	parallel  int
}

func NewProcessor(fetcher Fetcher, emitter Emitter, rewriters RewriterLookup, parallel int) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if rewriters == nil {
		return nil, errors.New("rewriters are required")
	}
	return &Processor{
		fetcher:   fetcher,
		emitter:   emitter,
		rewriters: rewriters,
		parallel:  max(1, parallel),
	}, nil
}

func NewLocalProcessor(outputDir string, rewriters RewriterLookup, parallel int) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir}, rewriters, parallel)
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	rw, err := p.rewriters.Lookup(req.Profile)
	if err != nil {
		return Result{}, fmt.Errorf("resolve profile: %w", err)
	}
	if req.SupportsWebP != nil {
		rw = rw.ForCapability(capability.Static(*req.SupportsWebP))
	}

	raw, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	var manifest domain.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifest.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	results, err := p.rewriteAll(ctx, rw, manifest.Images)
	if err != nil {
		return Result{}, fmt.Errorf("rewrite stage: %w", err)
	}

	batch := summarize(req, results)
	body, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal batch result: %w", err)
	}

	key, err := p.emitter.Emit(ctx, req, body)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	return Result{Batch: batch, ResultKey: key, SourceBytes: len(raw)}, nil
}

func (p *Processor) rewriteAll(ctx context.Context, rw *rewrite.Rewriter, images []domain.ImageRequest) ([]domain.RewriteResult, error) {
	results := make([]domain.RewriteResult, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)
	for i, img := range images {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = rewriteOne(rw, img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// rewriteOne records per-image failures on the result so one bad entry does
// not abort the batch.
func rewriteOne(rw *rewrite.Rewriter, img domain.ImageRequest) domain.RewriteResult {
	res := domain.RewriteResult{ID: img.ID}

	req, err := img.ToRewrite()
	if err != nil {
		res.Error = err.Error()
		return res
	}

	out, err := rw.Rewrite(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	wire := domain.FromRewrite(img.ID, out.Request)
	res.Rewritten = out.Rewritten
	res.Reason = string(out.Reason)
	res.Request = &wire
	return res
}

func summarize(req Request, results []domain.RewriteResult) domain.BatchResult {
	batch := domain.BatchResult{
		JobID:   req.JobID,
		Profile: req.Profile,
		Total:   len(results),
		Results: results,
	}
	for _, r := range results {
		switch {
		case r.Error != "":
			batch.Failed++
		case r.Rewritten:
			batch.Rewritten++
		default:
			batch.Unchanged++
		}
	}
	return batch
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read manifest file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, resultFileName)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write result file: %w", err)
	}
	return fullPath, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
