package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/claimspipe/internal/logger"
	"github.com/yungbote/claimspipe/internal/types"
)

// Extractor turns stored document bytes into cited fields. The local
// sniffing extractor is the default implementation; an external document-AI
// service slots in behind the same interface.
type Extractor interface {
	Extract(ctx context.Context, doc *types.Document, data []byte) ([]Field, error)
}

type localExtractor struct {
	log *logger.Logger
}

func NewLocalExtractor(baseLog *logger.Logger) Extractor {
	return &localExtractor{log: baseLog.With("service", "LocalExtractor")}
}

func (e *localExtractor) Extract(ctx context.Context, doc *types.Document, data []byte) ([]Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	units, err := sniffAndExtract(doc.OriginalName, data)
	if err != nil {
		return nil, err
	}
	fields, err := deriveFields(doc.ID, units)
	if err != nil {
		return nil, err
	}
	e.log.Debug("Extracted fields from document",
		"document_id", doc.ID,
		"units", len(units),
		"fields", len(fields),
	)
	return fields, nil
}

// BoundedExtractor wraps the extraction seam with a hard deadline and a rate
// limit, so a hung or slow extractor cannot stall the coordinator. Deadline
// overruns surface as ErrExtractionTimeout for the retry policy to handle.
type BoundedExtractor struct {
	inner   Extractor
	timeout time.Duration
	limiter *rate.Limiter
	log     *logger.Logger
}

func NewBoundedExtractor(inner Extractor, timeout time.Duration, perSecond float64, baseLog *logger.Logger) *BoundedExtractor {
	if perSecond <= 0 {
		perSecond = 5
	}
	return &BoundedExtractor{
		inner:   inner,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     baseLog.With("service", "BoundedExtractor"),
	}
}

func (b *BoundedExtractor) Extract(ctx context.Context, doc *types.Document, data []byte) ([]Field, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		fields []Field
		err    error
	}
	done := make(chan result, 1)
	go func() {
		fields, err := b.inner.Extract(ctx, doc, data)
		done <- result{fields: fields, err: err}
	}()

	select {
	case <-ctx.Done():
		b.log.Warn("Extraction deadline exceeded", "document_id", doc.ID, "timeout", b.timeout)
		return nil, fmt.Errorf("%w: after %s", ErrExtractionTimeout, b.timeout)
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrExtractionTimeout, res.err)
		}
		return res.fields, res.err
	}
}
