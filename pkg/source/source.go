// Package source defines the feed of raw inbound events the poll loop reads.
package source

import (
	"context"
	"strings"
	"time"

	"github.com/alertrelay/alertrelay/pkg/model"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

// Source lists events ingested after a given instant whose subject contains
// filter. The implementation decides the upper bound on batch size via limit.
type Source interface {
	ListSince(ctx context.Context, after time.Time, filter string, limit int) ([]model.InboundMessage, error)
}

var _ Source = (*postgres.InboundRepository)(nil)

// MatchesSubject reports whether subject contains filter, ignoring case. An
// empty filter matches everything.
func MatchesSubject(subject, filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(subject), strings.ToLower(filter))
}
