package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelrewrite/internal/domain"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrStatusConflict = errors.New("job status conflict")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// TransitionStatus moves a job to status only while its current status is
	// one of from. Otherwise it returns ErrStatusConflict with the job as it
	// was found.
	TransitionStatus(ctx context.Context, id string, from []string, status string) (domain.Job, error)
	SetResult(ctx context.Context, id, resultKey string) (domain.Job, error)
}
