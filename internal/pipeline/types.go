// Package pipeline defines the core types shared across the acquisition pipeline.
package pipeline

import "time"

// Phase identifies one of the four ordered pipeline stages.
type Phase string

// Pipeline phases, in execution order.
const (
	PhaseDiscovery   Phase = "discovery"
	PhaseDownload    Phase = "download"
	PhaseExtraction  Phase = "extraction"
	PhaseStructuring Phase = "structuring"
	// PhaseCompleted is the terminal pseudo-phase of a run; no work item
	// ever carries it.
	PhaseCompleted Phase = "completed"
)

// Phases lists the executable phases in order.
var Phases = []Phase{PhaseDiscovery, PhaseDownload, PhaseExtraction, PhaseStructuring}

// Next returns the phase following p, or PhaseCompleted after the last one.
func (p Phase) Next() Phase {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return PhaseCompleted
}

// Valid reports whether p is an executable phase.
func (p Phase) Valid() bool {
	for _, ph := range Phases {
		if ph == p {
			return true
		}
	}
	return false
}

// ItemStatus is the lifecycle state of a work item.
type ItemStatus string

// Work item statuses persisted in the store.
const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusSuccess    ItemStatus = "success"
	StatusFailed     ItemStatus = "failed"
	StatusSkipped    ItemStatus = "skipped"
)

// WorkItem is one durable unit of work, tracked through status transitions.
// Items are never deleted; terminal failures remain as an audit trail.
type WorkItem struct {
	ID         int64
	Phase      Phase
	SourceKey  string
	PayloadRef string
	Status     ItemStatus
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ClaimedAt  *time.Time
}

// Payload kinds carried in WorkItem.PayloadRef for structuring items. The
// structuring phase processes kinds in this order because page-derived text
// may reference course codes the PDF syllabi introduce.
const (
	KindPDF          = "pdf"
	KindSyllabusPage = "syllabus_md"
	KindCoursePage   = "course_page_md"
)

// DownloadResult records a completed binary-document retrieval.
type DownloadResult struct {
	ItemID       int64
	CourseCode   string
	BlobPath     string
	SizeBytes    int64
	Checksum     string
	DownloadedAt time.Time
}

// ExtractionResult records a completed rendered-page extraction.
type ExtractionResult struct {
	ItemID      int64
	CourseCode  string
	BlobPath    string
	TextLength  int
	UsedBrowser bool
	ExtractedAt time.Time
}

// StructuringResult records a completed AI structuring call.
type StructuringResult struct {
	ItemID       int64
	RecordID     string
	CourseCode   string
	CostEstimate float64
	StructuredAt time.Time
}

// CourseRecord is the typed record produced by the structuring service.
// The field set follows the catalog schema; absent fields stay empty.
type CourseRecord struct {
	CourseCode       string          `json:"course_code"`
	Title            string          `json:"course_title"`
	SwedishTitle     string          `json:"swedish_title,omitempty"`
	Department       string          `json:"department,omitempty"`
	Credits          float64         `json:"credits,omitempty"`
	Cycle            string          `json:"cycle,omitempty"`
	Language         string          `json:"language_of_instruction,omitempty"`
	Term             string          `json:"term,omitempty"`
	StudyForm        string          `json:"study_form,omitempty"`
	FieldOfEducation string          `json:"field_of_education,omitempty"`
	MainField        string          `json:"main_field_of_study,omitempty"`
	ValidFrom        string          `json:"valid_from_date,omitempty"`
	Programs         []string        `json:"programs,omitempty"`
	Sections         []CourseSection `json:"sections,omitempty"`
}

// CourseSection is one titled block of syllabus content.
type CourseSection struct {
	Name    string `json:"section_name"`
	Content string `json:"section_content"`
}

// Document is the input handed to the structuring service.
type Document struct {
	SourceKey   string
	ContentType string
	Data        []byte
}

// ValidationIssue describes one store-consistency problem found by Validate.
type ValidationIssue struct {
	Kind   string
	Detail string
}

// ValidationReport summarizes a store consistency check.
type ValidationReport struct {
	Valid  bool
	Issues []ValidationIssue
	Counts map[Phase]map[ItemStatus]int
}
