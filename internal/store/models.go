package store

import "time"

type Tenant struct {
	ID          string
	DisplayName string
	Plan        string
	Settings    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DocumentGroup struct {
	TenantID          string
	ID                string
	Name              string
	Description       string
	AnalysisStatus    string
	TotalDocuments    int
	TotalTextSections int
	TotalAICommentary int
	LastAnalyzed      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Document struct {
	TenantID  string
	ID        string
	GroupID   string
	Filename  string
	Title     string
	FileType  string
	FileSize  int64
	PageCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type TextSection struct {
	TenantID     string
	ID           string
	DocumentID   string
	PageNumber   int
	SectionTitle string
	Content      string
	ContentType  string
	OrderIndex   int
}

type AICommentary struct {
	TenantID        string
	ID              string
	DocumentID      string
	GroupID         string
	CommentaryType  string
	Content         string
	ConfidenceScore float64
	Language        string
	AIModel         string
}

type GroupAnalysisResult struct {
	TenantID           string
	ID                 string
	GroupID            string
	AnalysisType       string
	Content            string
	ConfidenceScore    float64
	Language           string
	AIModel            string
	ProcessingTimeMs   int64
	DocumentsAnalyzed  int
	SectionsAnalyzed   int
	CommentaryAnalyzed int
}

// GroupCounters holds the persisted child counts a finalized group row
// caches.
type GroupCounters struct {
	Documents    int
	TextSections int
	AICommentary int
}

type SyncRun struct {
	ID                   string
	TenantID             string
	GroupID              string
	DocumentsCount       int
	TextSectionsCount    int
	AICommentaryCount    int
	AnalysisResultsCount int
	DurationMs           int64
	CreatedAt            time.Time
}
