package structurer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

// scriptedModel returns canned replies in order.
type scriptedModel struct {
	replies []string
	calls   int
}

func (m *scriptedModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	reply := m.replies[m.calls]
	if m.calls < len(m.replies)-1 {
		m.calls++
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply}},
	}, nil
}

func (m *scriptedModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return "", nil
}

const goodReply = "```json\n" + `{
  "course_code": "DIT123",
  "course_title": "Algorithms",
  "credits": 7.5,
  "sections": [{"section_name": "Content", "section_content": "Graphs."}]
}` + "\n```"

func TestExtractParsesFencedReply(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{goodReply}}
	g := NewWithModel(model, 0.004, zap.NewNop())

	record, cost, err := g.Extract(context.Background(), pipeline.Document{
		SourceKey: "downloads/DIT123.pdf",
		Data:      []byte("syllabus text"),
	})
	require.NoError(t, err)
	require.Equal(t, "DIT123", record.CourseCode)
	require.Equal(t, "Algorithms", record.Title)
	require.InDelta(t, 7.5, record.Credits, 1e-9)
	require.Len(t, record.Sections, 1)
	require.InDelta(t, 0.004, cost, 1e-9)
}

func TestExtractRetriesMalformedReply(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{"this is not json", goodReply}}
	g := NewWithModel(model, 0.004, zap.NewNop())

	record, _, err := g.Extract(context.Background(), pipeline.Document{
		SourceKey: "downloads/DIT123.pdf",
		Data:      []byte("syllabus text"),
	})
	require.NoError(t, err)
	require.Equal(t, "Algorithms", record.Title)
	require.Equal(t, 1, model.calls)
}

func TestExtractGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{"still not json"}}
	g := NewWithModel(model, 0.004, zap.NewNop())

	_, _, err := g.Extract(context.Background(), pipeline.Document{
		SourceKey: "downloads/DIT999.pdf",
		Data:      []byte("syllabus text"),
	})
	require.ErrorIs(t, err, pipeline.ErrMalformedResponse)
}

func TestExtractFillsCourseCodeFromSource(t *testing.T) {
	t.Parallel()

	model := &scriptedModel{replies: []string{`{"course_title": "Databases"}`}}
	g := NewWithModel(model, 0.004, zap.NewNop())

	record, _, err := g.Extract(context.Background(), pipeline.Document{
		SourceKey: "https://example.edu/pdf/kurs/DIT456",
		Data:      []byte("syllabus text"),
	})
	require.NoError(t, err)
	require.Equal(t, "DIT456", record.CourseCode)
}

func TestParseRecordRepairsCommonDefects(t *testing.T) {
	t.Parallel()

	record, err := parseRecord(`{course_code: "DIT123", "course_title": "Algorithms", "programs": ["N1COS",],}`)
	require.NoError(t, err)
	require.Equal(t, "DIT123", record.CourseCode)
	require.Equal(t, []string{"N1COS"}, record.Programs)
}

func TestParseRecordRequiresTitle(t *testing.T) {
	t.Parallel()

	_, err := parseRecord(`{"course_code": "DIT123"}`)
	require.Error(t, err)
}
