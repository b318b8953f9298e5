package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/tenant"
)

var (
	// ErrJobFailed is returned when the push job finishes unsuccessfully.
	ErrJobFailed = errors.New("push job failed")
	// ErrUnknownJobStatus is returned for a status outside PEND, ACT and FIN.
	ErrUnknownJobStatus = errors.New("push job reported an unknown status")
	// ErrPollLimit is returned when MaxAttempts polls saw no terminal status.
	ErrPollLimit = errors.New("push job still running after poll limit")
)

// Status is the interpreted state of a push job.
type Status int

const (
	StatusPending Status = iota
	StatusActive
	StatusFinished
	StatusFailed
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether polling stops at s.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusActive
}

// ParseStatus maps a job's status and result strings onto Status.
func ParseStatus(job tenant.Job) Status {
	switch job.StatusStr {
	case "PEND":
		return StatusPending
	case "ACT":
		return StatusActive
	case "FIN":
		if job.ResultStr == "FAIL" {
			return StatusFailed
		}
		return StatusFinished
	case "FAIL":
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// PollError wraps a failed job read. It ends polling; it never counts as success.
type PollError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("polling job %s (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// JobAPI is the slice of the tenant API the publisher needs.
type JobAPI interface {
	PushCandidate(ctx context.Context, folders []string) (*tenant.PushResult, error)
	GetJob(ctx context.Context, id string) (*tenant.Job, error)
}

// Options tunes the publisher.
type Options struct {
	Folders  []string
	Interval time.Duration
	// MaxAttempts of 0 polls until a terminal status or cancellation.
	MaxAttempts int
	// AcceptUnknown treats an unknown terminal status as success.
	AcceptUnknown bool
}

// Outcome is what polling observed.
type Outcome struct {
	JobID     string
	Status    Status
	RawStatus string
	Result    string
	Polls     int
}

// Publisher commits the candidate configuration and waits for the job.
type Publisher struct {
	api     JobAPI
	opts    Options
	metrics *observability.Metrics
	log     *zap.SugaredLogger
}

// New returns a Publisher. A zero interval falls back to five seconds.
func New(api JobAPI, opts Options, metrics *observability.Metrics, log *zap.SugaredLogger) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if len(opts.Folders) == 0 {
		opts.Folders = []string{"Remote Networks"}
	}
	return &Publisher{api: api, opts: opts, metrics: metrics, log: log.Named("publish")}
}

// Publish pushes the configured folders and waits for the resulting job.
func (p *Publisher) Publish(ctx context.Context) (*Outcome, error) {
	ctx, span := observability.Tracer().Start(ctx, "publish")
	defer span.End()

	p.log.Infow("pushing configuration", "folders", p.opts.Folders)
	res, err := p.api.PushCandidate(ctx, p.opts.Folders)
	if err != nil {
		return nil, fmt.Errorf("pushing configuration: %w", err)
	}
	return p.Wait(ctx, res.JobID)
}

// Wait polls jobID every interval, starting immediately, until the job
// reaches a terminal status, a read fails, the poll limit is hit or ctx ends.
func (p *Publisher) Wait(ctx context.Context, jobID string) (*Outcome, error) {
	out := &Outcome{JobID: jobID, Status: StatusPending}
	log := p.log.With("job", jobID)

	err := wait.PollUntilContextCancel(ctx, p.opts.Interval, true, func(ctx context.Context) (bool, error) {
		out.Polls++
		job, err := p.api.GetJob(ctx, jobID)
		if err != nil {
			return false, &PollError{JobID: jobID, Attempt: out.Polls, Err: err}
		}

		out.Status = ParseStatus(*job)
		out.RawStatus = job.StatusStr
		out.Result = job.ResultStr
		p.metrics.PublishPoll(job.StatusStr)
		log.Infow("polled job", "status", job.StatusStr, "result", job.ResultStr, "attempt", out.Polls)

		switch out.Status {
		case StatusPending, StatusActive:
			if p.opts.MaxAttempts > 0 && out.Polls >= p.opts.MaxAttempts {
				return false, fmt.Errorf("job %s after %d polls: %w", jobID, out.Polls, ErrPollLimit)
			}
			return false, nil
		case StatusFinished:
			return true, nil
		case StatusFailed:
			return false, fmt.Errorf("job %s: %s %s: %w", jobID, job.StatusStr, job.ResultStr, ErrJobFailed)
		default:
			if p.opts.AcceptUnknown {
				log.Warnw("accepting unknown job status as complete", "status", job.StatusStr)
				return true, nil
			}
			return false, fmt.Errorf("job %s: status %q: %w", jobID, job.StatusStr, ErrUnknownJobStatus)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !isOwnError(err) {
			return out, fmt.Errorf("waiting for job %s: %w", jobID, ctxErr)
		}
		return out, err
	}

	log.Infow("job complete", "status", out.RawStatus, "polls", out.Polls)
	return out, nil
}

func isOwnError(err error) bool {
	var pollErr *PollError
	return errors.As(err, &pollErr) ||
		errors.Is(err, ErrJobFailed) ||
		errors.Is(err, ErrUnknownJobStatus) ||
		errors.Is(err, ErrPollLimit)
}
