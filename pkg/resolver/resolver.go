// Package resolver turns a loosely formatted Brazilian phone number into the
// ordered list of numbers worth trying on the delivery channel.
package resolver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/channel"
)

const (
	DefaultCountryPrefix = "55"

	userChatSuffix = "@c.us"
)

var ErrNoCandidate = errors.New("no phone candidate derivable")

type Kind string

const (
	KindWithout9 Kind = "without_9"
	KindWith9    Kind = "with_9"
	KindOriginal Kind = "original"
)

type Candidate struct {
	Number string `json:"number"`
	Kind   Kind   `json:"kind"`
	ChatID string `json:"chat_id,omitempty"`
}

// ContactID is what the channel expects for a send: the prepared chat id
// when known, otherwise the number in user chat form.
func (c Candidate) ContactID() string {
	if c.ChatID != "" {
		return c.ChatID
	}
	return c.Number + userChatSuffix
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Candidates returns the numbers to try for raw, most likely first.
//
// A 9-digit mobile number is tried without its leading 9 first since that
// form is the one most often registered. An 8-digit number is tried as given
// and then with a 9 inserted. Anything else yields the normalized input only.
func Candidates(raw, countryPrefix string) ([]Candidate, error) {
	if countryPrefix == "" {
		countryPrefix = DefaultCountryPrefix
	}
	digits := onlyDigits(raw)
	// area code plus at least eight digits after the country prefix
	if strings.HasPrefix(digits, countryPrefix) && len(digits) >= len(countryPrefix)+10 {
		digits = digits[len(countryPrefix):]
	}
	if len(digits) < 2 {
		return nil, ErrNoCandidate
	}

	area, rest := digits[:2], digits[2:]
	base := countryPrefix + area + rest

	switch {
	case len(rest) == 9 && rest[0] == '9':
		return []Candidate{
			{Number: countryPrefix + area + rest[1:], Kind: KindWithout9},
			{Number: base, Kind: KindWith9},
		}, nil
	case len(rest) == 8:
		return []Candidate{
			{Number: base, Kind: KindWithout9},
			{Number: countryPrefix + area + "9" + rest, Kind: KindWith9},
		}, nil
	default:
		return []Candidate{{Number: base, Kind: KindOriginal}}, nil
	}
}

type Preparer interface {
	Prepare(ctx context.Context, numbers []string) (*channel.PrepareResult, error)
}

// Resolution is the outcome of probing every candidate. When nothing
// validated, Candidates holds the first candidate alone and Fallback is set.
type Resolution struct {
	Candidates []Candidate
	Fallback   bool
	Probes     []Probe
}

type Probe struct {
	Number string `json:"number"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

type Resolver struct {
	preparer      Preparer
	countryPrefix string
	logger        *zap.Logger
}

func New(preparer Preparer, countryPrefix string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if countryPrefix == "" {
		countryPrefix = DefaultCountryPrefix
	}
	return &Resolver{preparer: preparer, countryPrefix: countryPrefix, logger: logger}
}

// Resolve probes all candidates, not just until the first success, and
// returns the valid ones in priority order.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Resolution, error) {
	candidates, err := Candidates(raw, r.countryPrefix)
	if err != nil {
		return nil, err
	}

	res := &Resolution{}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		probe := Probe{Number: c.Number}
		prepared, err := r.preparer.Prepare(ctx, []string{c.Number})
		switch {
		case err != nil:
			probe.Error = err.Error()
		case prepared == nil || !prepared.Success:
			probe.Error = "prepare rejected"
			if prepared != nil && prepared.Error != "" {
				probe.Error = prepared.Error
			}
		default:
			if contact, ok := prepared.Prepared(c.Number); ok {
				probe.Valid = true
				c.ChatID = contact.ChatID
				res.Candidates = append(res.Candidates, c)
			} else if len(prepared.Results.Failed) > 0 {
				probe.Error = prepared.Results.Failed[0].Error
			} else {
				probe.Error = "number not found on channel"
			}
		}
		res.Probes = append(res.Probes, probe)
		r.logger.Debug("candidate probed",
			zap.String("number", c.Number),
			zap.String("kind", string(c.Kind)),
			zap.Bool("valid", probe.Valid),
			zap.String("error", probe.Error),
		)
	}

	if len(res.Candidates) == 0 {
		res.Candidates = []Candidate{candidates[0]}
		res.Fallback = true
		r.logger.Warn("no candidate validated, falling back to first form",
			zap.String("raw", raw),
			zap.String("number", candidates[0].Number),
		)
	}
	return res, nil
}
