package server

import (
	"time"

	"workqueue/internal/domain"
)

// Request payloads

type CreateWorkItemRequest struct {
	ApplicationID string     `json:"applicationId"`
	ApplicantName string     `json:"applicantName,omitempty"`
	Country       string     `json:"country,omitempty"`
	RiskLevel     string     `json:"riskLevel,omitempty" enum:"Unknown,Low,Medium,High,Critical"`
	Priority      string     `json:"priority,omitempty" enum:"Low,Normal,High,Urgent"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
}

type AssignRequest struct {
	UserID   string `json:"assignedToUserId"`
	UserName string `json:"assignedToUserName,omitempty"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

type RiskLevelRequest struct {
	RiskLevel string `json:"riskLevel" enum:"Unknown,Low,Medium,High,Critical"`
	Notes     string `json:"notes,omitempty"`
}

// Response payloads

type MutationResponse struct {
	Message string        `json:"message"`
	ID      string        `json:"id"`
	Status  domain.Status `json:"status"`
	Version int64         `json:"version"`
}

func mutationResponse(msg string, w domain.WorkItem) MutationResponse {
	return MutationResponse{Message: msg, ID: w.ID, Status: w.Status, Version: w.Version}
}

type PageResponse struct {
	Items    []domain.WorkItem `json:"items"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
	Total    int               `json:"total"`
}
