package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/pool"
)

// minTextBytes separates a real extracted page from a render that produced
// only boilerplate.
const minTextBytes = 100

// ExtractionPath names the blob an extraction item writes to.
func ExtractionPath(item pipeline.WorkItem) string {
	prefix := "coursepages"
	if item.PayloadRef == pipeline.KindSyllabusPage {
		prefix = "syllabi"
	}
	if code := pipeline.CourseCode(item.SourceKey); code != "" {
		return fmt.Sprintf("%s/%s.md", prefix, code)
	}
	return fmt.Sprintf("%s/item-%d.md", prefix, item.ID)
}

// ExtractionPhase renders course pages with pooled browser sessions and
// stores the extracted text for structuring.
func ExtractionPhase(browsers *pool.Pool[pipeline.Browser], acquireTimeout time.Duration, store pipeline.Store, blobs pipeline.BlobStore, concurrency int, logger *zap.Logger) Phase {
	log := logger.Named("extraction")
	return Phase{
		Name:        pipeline.PhaseExtraction,
		Concurrency: concurrency,
		LimiterKey:  func(pipeline.WorkItem) string { return KeyCatalog },
		AlreadyDone: func(ctx context.Context, item pipeline.WorkItem) (bool, error) {
			size, err := blobs.ObjectSize(ctx, ExtractionPath(item))
			if err != nil || size <= minTextBytes {
				return false, nil
			}
			return store.HasResult(ctx, pipeline.PhaseExtraction, item.ID)
		},
		Op: func(ctx context.Context, item pipeline.WorkItem) error {
			session, err := browsers.Acquire(ctx, acquireTimeout)
			if err != nil {
				return fmt.Errorf("acquire browser: %w", err)
			}
			defer browsers.Release(session)

			html, err := session.Navigate(ctx, item.SourceKey)
			if err != nil {
				return err
			}
			text, err := htmlToText(html)
			if err != nil {
				return fmt.Errorf("extract text: %w", err)
			}
			if len(text) <= minTextBytes {
				return fmt.Errorf("rendered page %s yielded only %d bytes of text", item.SourceKey, len(text))
			}

			blobPath := ExtractionPath(item)
			if _, err := blobs.PutObject(ctx, blobPath, "text/markdown", []byte(text)); err != nil {
				return fmt.Errorf("store extracted text: %w", err)
			}
			if _, err := store.Enqueue(ctx, pipeline.PhaseStructuring, blobPath, item.PayloadRef); err != nil && !errors.Is(err, pipeline.ErrDuplicateItem) {
				return fmt.Errorf("enqueue structuring item: %w", err)
			}
			if err := store.RecordExtraction(ctx, pipeline.ExtractionResult{
				ItemID:      item.ID,
				CourseCode:  pipeline.CourseCode(item.SourceKey),
				BlobPath:    blobPath,
				TextLength:  len(text),
				UsedBrowser: true,
			}); err != nil {
				return fmt.Errorf("record extraction: %w", err)
			}

			log.Debug("page extracted",
				zap.String("url", item.SourceKey),
				zap.String("blob", blobPath),
				zap.Int("chars", len(text)))
			return nil
		},
	}
}
