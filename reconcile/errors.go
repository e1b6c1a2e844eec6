package reconcile

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/ops_backend/matcher"
)

// AmbiguousMatchError parks a row for manual review. It never aborts a batch.
type AmbiguousMatchError struct {
	RowNumber  int
	Key        string
	MatchedBy  matcher.Strategy
	Candidates []int
	Detail     string
}

func (e *AmbiguousMatchError) Error() string {
	ids := make([]string, 0, len(e.Candidates))
	for _, id := range e.Candidates {
		ids = append(ids, fmt.Sprint(id))
	}
	msg := fmt.Sprintf("row %d: %q matches %d candidates by %s [%s]", e.RowNumber, e.Key, len(e.Candidates), e.MatchedBy, strings.Join(ids, ","))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ConfigurationError aborts the whole batch before anything is produced.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Message)
}
