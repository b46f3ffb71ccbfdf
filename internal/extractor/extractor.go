// Package extractor defines the content-extraction contract consumed by
// the scrape workers, plus an HTML implementation for public web pages.
package extractor

import (
	"context"

	"github.com/gramharvest/scraper-api/internal/job"
)

// Options configures a batch extraction.
type Options struct {
	ScrapeType      job.ScrapeType
	IncludeComments bool
	IncludeMedia    bool
}

// Result is the outcome for one target. Exactly one of Item and Err is
// meaningful: a failed target carries its error and a nil item.
type Result struct {
	Target string
	Item   map[string]any
	Err    error
}

// Extractor fetches structured items for a batch of targets. The
// implementation must call onProgress after each target and honor ctx
// cancellation between targets; a single bad target must not fail the
// batch. On cancellation the results gathered so far are returned along
// with the context's error.
type Extractor interface {
	ExtractBatch(ctx context.Context, targets []string, opts Options, onProgress func(completed, total int)) ([]Result, error)
}
