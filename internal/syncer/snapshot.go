// Package syncer validates Analysis Snapshots and projects them into the
// multi-tenant store as one atomic unit of work.
package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// AnalysisSnapshot is the denormalized, client-authoritative payload a
// collaborator hands to the engine. Field requirements are enforced before
// any store access.
type AnalysisSnapshot struct {
	TenantID         string                  `json:"tenantId" validate:"required"`
	GroupID          string                  `json:"groupId" validate:"required"`
	GroupName        string                  `json:"groupName" validate:"required"`
	GroupDescription string                  `json:"groupDescription"`
	Documents        []DocumentPayload       `json:"documents" validate:"required,min=1,dive"`
	AnalysisResults  []AnalysisResultPayload `json:"analysisResults" validate:"omitempty,dive"`
}

type DocumentPayload struct {
	ID           string               `json:"id" validate:"required"`
	Filename     string               `json:"filename" validate:"required"`
	Title        string               `json:"title"`
	FileType     string               `json:"fileType"`
	FileSize     int64                `json:"fileSize" validate:"gte=0"`
	PageCount    int                  `json:"pageCount" validate:"gte=0"`
	TextSections []TextSectionPayload `json:"textSections" validate:"omitempty,dive"`
	AICommentary []CommentaryPayload  `json:"aiCommentary" validate:"omitempty,dive"`
}

type TextSectionPayload struct {
	ID           string `json:"id" validate:"required"`
	PageNumber   int    `json:"pageNumber" validate:"gte=0"`
	SectionTitle string `json:"sectionTitle"`
	Content      string `json:"content" validate:"required"`
	ContentType  string `json:"contentType" validate:"omitempty,oneof=header body footer table line-item"`
	OrderIndex   int    `json:"orderIndex" validate:"gte=0"`
}

type CommentaryPayload struct {
	ID              string  `json:"id" validate:"required"`
	CommentaryType  string  `json:"commentaryType"`
	Content         string  `json:"content" validate:"required"`
	ConfidenceScore float64 `json:"confidenceScore" validate:"gte=0,lte=1"`
	Language        string  `json:"language"`
	AIModel         string  `json:"aiModel"`
}

type AnalysisResultPayload struct {
	ID               string  `json:"id,omitempty"`
	AnalysisType     string  `json:"analysisType" validate:"required,oneof=cross-document summary relationships patterns semantic"`
	Content          string  `json:"content" validate:"required"`
	ConfidenceScore  float64 `json:"confidenceScore" validate:"gte=0,lte=1"`
	Language         string  `json:"language"`
	AIModel          string  `json:"aiModel"`
	ProcessingTimeMs int64   `json:"processingTimeMs" validate:"gte=0"`
}

// SyncResult summarizes a committed synchronization.
type SyncResult struct {
	GroupID              string `json:"groupId"`
	DocumentsCount       int    `json:"documentsCount"`
	TextSectionsCount    int    `json:"textSectionsCount"`
	AICommentaryCount    int    `json:"aiCommentaryCount"`
	AnalysisResultsCount int    `json:"analysisResultsCount"`
}

// ValidationError reports malformed or missing snapshot fields. It is
// produced before any store access and is never worth retrying unchanged.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid snapshot: %s", strings.Join(e.Fields, ", "))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate fails fast on a malformed snapshot so bad input never reaches the
// storage layer.
func (s *AnalysisSnapshot) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []string{err.Error()}}
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}
