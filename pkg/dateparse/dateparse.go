// Package dateparse normalizes the textual timestamps carried by inbound
// messages. Each format lives in its own Parser; a Chain tries them in order
// and returns the first success.
package dateparse

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var ErrUnparseable = errors.New("unparseable timestamp")

type Parser interface {
	Name() string
	Parse(value string) (time.Time, error)
}

// Date is a calendar day with no zone attached. Two timestamps fall on the
// same Date when their wall-clock day in their own offset matches.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool {
	return d == Date{}
}

type ISO8601 struct{}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (ISO8601) Name() string { return "iso8601" }

func (ISO8601) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseable
}

// RFC2822 accepts mail Date headers, e.g. "Thu, 27 Nov 2025 16:49:26 -0300".
type RFC2822 struct{}

func (RFC2822) Name() string { return "rfc2822" }

func (RFC2822) Parse(value string) (time.Time, error) {
	t, err := mail.ParseDate(strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, ErrUnparseable
	}
	return t, nil
}

// Truncated is the last resort: it cuts the value down to a known-length
// prefix and parses only that, dropping zones and trailing comments.
type Truncated struct{}

var truncatedLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04:05",
	"02 Jan 2006 15:04:05",
	"2006-01-02",
}

func (Truncated) Name() string { return "truncated" }

func (Truncated) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range truncatedLayouts {
		if len(value) < len(layout) {
			continue
		}
		if t, err := time.Parse(layout, value[:len(layout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrUnparseable
}

type Chain []Parser

// Default is ISO-8601, then RFC-2822, then the truncating fallback.
var Default = Chain{ISO8601{}, RFC2822{}, Truncated{}}

func (c Chain) Parse(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, ErrUnparseable
	}
	for _, p := range c {
		if t, err := p.Parse(value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseable, value)
}

func (c Chain) Date(value string) (Date, error) {
	t, err := c.Parse(value)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}
