package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/discovery"
	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// Rate-limit keys, one per external dependency.
const (
	KeyCatalog   = "catalog"
	KeyDownloads = "downloads"
	KeyAI        = "ai"
)

// DiscoveryPhase fetches catalog search pages and enqueues the course links
// found on them into the download and extraction phases.
func DiscoveryPhase(extractor *discovery.Extractor, queue pipeline.WorkQueue, concurrency int, logger *zap.Logger) Phase {
	log := logger.Named("discovery")
	return Phase{
		Name:        pipeline.PhaseDiscovery,
		Concurrency: concurrency,
		LimiterKey:  func(pipeline.WorkItem) string { return KeyCatalog },
		Op: func(ctx context.Context, item pipeline.WorkItem) error {
			links, err := extractor.FetchLinks(ctx, item.SourceKey)
			if err != nil {
				return err
			}

			enqueued := 0
			for _, link := range links {
				var phase pipeline.Phase
				var payload string
				switch link.Kind {
				case pipeline.URLSyllabusPDF:
					phase, payload = pipeline.PhaseDownload, pipeline.KindPDF
				case pipeline.URLSyllabusWeb:
					phase, payload = pipeline.PhaseExtraction, pipeline.KindSyllabusPage
				case pipeline.URLCoursePage:
					phase, payload = pipeline.PhaseExtraction, pipeline.KindCoursePage
				default:
					continue
				}
				if _, err := queue.Enqueue(ctx, phase, link.URL, payload); err != nil {
					if errors.Is(err, pipeline.ErrDuplicateItem) {
						continue
					}
					return fmt.Errorf("enqueue %s: %w", link.URL, err)
				}
				enqueued++
			}
			log.Info("catalog page discovered",
				zap.String("page", item.SourceKey),
				zap.Int("links", len(links)),
				zap.Int("enqueued", enqueued))
			return nil
		},
	}
}
