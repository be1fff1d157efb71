package executor

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/telemetry"
)

// RecordEventTopic is the publisher event name for finished course records.
const RecordEventTopic = "course-record-structured"

// kindRank orders structuring sub-batches: PDF syllabi first, then rendered
// syllabus pages, then course pages, because page text can reference course
// codes the PDFs introduce.
func kindRank(payloadRef string) int {
	switch payloadRef {
	case pipeline.KindPDF:
		return 0
	case pipeline.KindSyllabusPage:
		return 1
	case pipeline.KindCoursePage:
		return 2
	default:
		return 3
	}
}

// StructuringPhase feeds stored artifacts through the AI structurer and
// persists the resulting course records.
func StructuringPhase(store pipeline.Store, blobs pipeline.BlobStore, structurer pipeline.Structurer, publisher pipeline.Publisher, ids pipeline.IDGenerator, concurrency int, loadHook func(float64), logger *zap.Logger) Phase {
	log := logger.Named("structuring")
	return Phase{
		Name:        pipeline.PhaseStructuring,
		Concurrency: concurrency,
		LimiterKey:  func(pipeline.WorkItem) string { return KeyAI },
		LoadHook:    loadHook,
		AlreadyDone: func(ctx context.Context, item pipeline.WorkItem) (bool, error) {
			return store.HasResult(ctx, pipeline.PhaseStructuring, item.ID)
		},
		GroupOrder: func(items []pipeline.WorkItem) []pipeline.WorkItem {
			sort.SliceStable(items, func(i, j int) bool {
				ri, rj := kindRank(items[i].PayloadRef), kindRank(items[j].PayloadRef)
				if ri != rj {
					return ri < rj
				}
				return items[i].ID < items[j].ID
			})
			return items
		},
		Op: func(ctx context.Context, item pipeline.WorkItem) error {
			data, err := blobs.GetObject(ctx, item.SourceKey)
			if err != nil {
				return fmt.Errorf("load artifact: %w", err)
			}

			contentType := "text/markdown"
			if item.PayloadRef == pipeline.KindPDF {
				contentType = "application/pdf"
			}
			record, cost, err := structurer.Extract(ctx, pipeline.Document{
				SourceKey:   item.SourceKey,
				ContentType: contentType,
				Data:        data,
			})
			telemetry.AddStructuringCost(cost)
			if err != nil {
				return err
			}

			recordID, err := ids.NewID()
			if err != nil {
				return fmt.Errorf("generate record id: %w", err)
			}
			if err := store.RecordStructuring(ctx, pipeline.StructuringResult{
				ItemID:       item.ID,
				RecordID:     recordID,
				CourseCode:   record.CourseCode,
				CostEstimate: cost,
			}); err != nil {
				return fmt.Errorf("record structuring: %w", err)
			}

			// Notification is best-effort; the record row is the durable
			// outcome.
			if publisher != nil {
				if _, err := publisher.Publish(ctx, RecordEventTopic, record); err != nil {
					log.Warn("publish course record failed",
						zap.String("course", record.CourseCode),
						zap.Error(err))
				}
			}

			log.Info("course structured",
				zap.String("course", record.CourseCode),
				zap.String("record_id", recordID),
				zap.Float64("cost", cost))
			return nil
		},
	}
}
