// Package structurer turns syllabus text into typed course records with a
// JSON-mode LLM call.
package structurer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

const parseAttempts = 3

// Gemini implements pipeline.Structurer against a Gemini model.
type Gemini struct {
	client          llms.Model
	costPerDocument float64
	logger          *zap.Logger
}

// New builds a Gemini structurer from API credentials.
func New(ctx context.Context, apiKey, model string, costPerDocument float64, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ai.api_key is required")
	}
	client, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return NewWithModel(client, costPerDocument, logger), nil
}

// NewWithModel wraps an existing model client (primarily for testing).
func NewWithModel(client llms.Model, costPerDocument float64, logger *zap.Logger) *Gemini {
	return &Gemini{
		client:          client,
		costPerDocument: costPerDocument,
		logger:          logger.Named("structurer"),
	}
}

// Extract sends the document to the model and parses the JSON reply into a
// course record. Malformed replies are retried; after the attempt budget the
// call fails with ErrMalformedResponse so the item is handled as a data
// defect rather than a connectivity problem.
func (g *Gemini) Extract(ctx context.Context, doc pipeline.Document) (pipeline.CourseRecord, float64, error) {
	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(userPrompt(doc))},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= parseAttempts; attempt++ {
		response, err := g.client.GenerateContent(ctx, content,
			llms.WithTemperature(0.0), llms.WithJSONMode())
		if err != nil {
			return pipeline.CourseRecord{}, 0, fmt.Errorf("generate course record: %w", err)
		}
		if len(response.Choices) < 1 {
			lastErr = fmt.Errorf("model returned no choices")
			continue
		}

		record, err := parseRecord(response.Choices[0].Content)
		if err != nil {
			lastErr = err
			g.logger.Warn("unparseable structuring reply",
				zap.String("source", doc.SourceKey),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if record.CourseCode == "" {
			record.CourseCode = pipeline.CourseCode(doc.SourceKey)
		}
		return record, g.costPerDocument, nil
	}

	return pipeline.CourseRecord{}, g.costPerDocument,
		fmt.Errorf("structure %s after %d attempts: %w: %v",
			doc.SourceKey, parseAttempts, pipeline.ErrMalformedResponse, lastErr)
}

// parseRecord strips markdown fences, repairs common JSON defects, and
// validates the required fields.
func parseRecord(reply string) (pipeline.CourseRecord, error) {
	text := strings.TrimSpace(reply)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	text = repairJSON(text)

	var record pipeline.CourseRecord
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		return pipeline.CourseRecord{}, fmt.Errorf("parse course record: %w", err)
	}
	if record.Title == "" {
		return pipeline.CourseRecord{}, fmt.Errorf("course record missing title")
	}
	return record, nil
}

func userPrompt(doc pipeline.Document) string {
	var b strings.Builder
	b.WriteString("Source: ")
	b.WriteString(doc.SourceKey)
	if code := pipeline.CourseCode(doc.SourceKey); code != "" {
		b.WriteString("\nExpected course code: ")
		b.WriteString(code)
	}
	b.WriteString("\n\n")
	b.Write(doc.Data)
	return b.String()
}
