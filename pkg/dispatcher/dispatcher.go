package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/channel"
	"github.com/alertrelay/alertrelay/pkg/metrics"
	"github.com/alertrelay/alertrelay/pkg/resolver"
)

const defaultBackoff = time.Second

var (
	// ErrDuplicate is returned by a Gate when the trigger must not be sent.
	ErrDuplicate = errors.New("duplicate notification")
	ErrNoTargets = errors.New("no delivery candidates")
)

type Channel interface {
	Prepare(ctx context.Context, numbers []string) (*channel.PrepareResult, error)
	Send(ctx context.Context, contactID, text string) (*channel.SendResult, error)
}

// Gate re-validates a trigger right before each send. A non-nil error aborts
// the dispatch without sending.
type Gate func(ctx context.Context) error

type Request struct {
	EventID    string
	Message    string
	Candidates []resolver.Candidate
	Gate       Gate
	// Heartbeat is called before each send so the store lease stays fresh.
	Heartbeat func(ctx context.Context)
}

type Attempt struct {
	Number    string `json:"number"`
	Confirmed bool   `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a dispatch. Err carries the last error when
// Success is false; Gated is set when the gate stopped the send.
type Result struct {
	Success  bool
	Contact  string
	Err      error
	Gated    bool
	Attempts []Attempt
}

// abort ends the dispatch on a gate rejection or a cancelled context.
func (r Result) abort(err error) Result {
	r.Success = false
	r.Err = err
	r.Gated = errors.Is(err, ErrDuplicate)
	return r
}

type Dispatcher struct {
	channel Channel
	backoff time.Duration
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithBackoff(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.backoff = d }
}

func New(ch Channel, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		channel: ch,
		backoff: defaultBackoff,
		logger:  logger,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isMissingRoute reports whether the channel lost the routing identity for a
// contact, which a fresh prepare usually fixes.
func isMissingRoute(msg string) bool {
	return strings.Contains(msg, "LID")
}

// Dispatch tries each candidate in order until one confirms delivery.
// Ordinary delivery failures come back in Result, never as a panic or a
// separate error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	if len(req.Candidates) == 0 {
		return Result{Err: ErrNoTargets}
	}

	var res Result
	for i, cand := range req.Candidates {
		if i > 0 {
			if err := d.sleep(ctx, d.backoff); err != nil {
				res.Err = err
				return res
			}
		}

		d.prepare(ctx, req.EventID, cand.Number)

		attempt, err := d.sendOnce(ctx, req, cand)
		if err != nil {
			return res.abort(err)
		}

		if !attempt.Confirmed && isMissingRoute(attempt.Error) {
			d.logger.Info("routing identity missing, preparing again",
				zap.String("event_id", req.EventID),
				zap.String("number", cand.Number),
			)
			if d.prepare(ctx, req.EventID, cand.Number) {
				res.Attempts = append(res.Attempts, attempt)
				if attempt, err = d.sendOnce(ctx, req, cand); err != nil {
					return res.abort(err)
				}
			}
		}

		res.Attempts = append(res.Attempts, attempt)
		if attempt.Confirmed {
			res.Success = true
			res.Contact = cand.Number
			res.Err = nil
			return res
		}
		res.Err = errors.New(attempt.Error)
		d.logger.Warn("delivery not confirmed",
			zap.String("event_id", req.EventID),
			zap.String("number", cand.Number),
			zap.Int("candidate", i+1),
			zap.Int("candidates", len(req.Candidates)),
			zap.String("error", attempt.Error),
		)
	}
	return res
}

// prepare is best effort; a failure is logged and the send still goes ahead.
func (d *Dispatcher) prepare(ctx context.Context, eventID, number string) bool {
	res, err := d.channel.Prepare(ctx, []string{number})
	if err != nil {
		d.logger.Debug("prepare failed",
			zap.String("event_id", eventID),
			zap.String("number", number),
			zap.Error(err),
		)
		return false
	}
	_, ok := res.Prepared(number)
	return ok
}

func (d *Dispatcher) sendOnce(ctx context.Context, req Request, cand resolver.Candidate) (Attempt, error) {
	attempt := Attempt{Number: cand.Number}

	if req.Gate != nil {
		if err := req.Gate(ctx); err != nil {
			return attempt, err
		}
	}
	if req.Heartbeat != nil {
		req.Heartbeat(ctx)
	}

	sent, err := d.channel.Send(ctx, cand.ContactID(), req.Message)
	switch {
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		attempt.Error = fmt.Sprintf("send to %s: %v", cand.Number, err)
		metrics.DeliveryAttempts.WithLabelValues("error").Inc()
	case sent.Confirmed():
		attempt.Confirmed = true
		metrics.DeliveryAttempts.WithLabelValues("confirmed").Inc()
	default:
		attempt.Error = sent.Describe()
		metrics.DeliveryAttempts.WithLabelValues("unconfirmed").Inc()
	}
	return attempt, nil
}
