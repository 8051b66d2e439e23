package store

import (
	"time"

	"caselink/api/internal/review"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Case struct {
	ID         string
	Title      string
	MediatorID string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CaseParticipant links a user to a case with a role. Only active
// participants (or the case's mediator of record) may act on the case.
type CaseParticipant struct {
	CaseID    string
	UserID    string
	Role      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

const (
	ParticipantInvited = "invited"
	ParticipantActive  = "active"
	ParticipantRemoved = "removed"
)

// DocumentVersion is one link in a version chain: the ordered set of rows
// sharing an (owner, docType) pair. At most one row per chain is current.
type DocumentVersion struct {
	ID              string
	OwnerID         string
	CaseID          *string
	DocType         string
	Version         int
	IsCurrent       bool
	Status          review.Status
	RejectionReason string
	BlobKey         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditEntry is one immutable record of a lifecycle action taken on a
// document version. Entries are append-only and ordered by creation time.
type AuditEntry struct {
	ID        string
	VersionID string
	Action    review.Action
	ActorID   string
	ActorName string
	ActorRole string
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// AuditActor identifies who performed an audited action. A zero ActorID marks
// a system-attributed entry.
type AuditActor struct {
	ID   string
	Name string
	Role string
}

type Notification struct {
	ID        string
	UserID    string
	Message   string
	Type      string
	IsRead    bool
	CreatedAt time.Time
}

// CaseDocumentStatus is one row of the per-case document dashboard: the
// current version of one (owner, docType) chain plus its latest audit time.
type CaseDocumentStatus struct {
	OwnerID     string
	OwnerName   string
	DocType     string
	VersionID   string
	Version     int
	Status      review.Status
	LastAuditAt *time.Time
}

type SubmitVersionInput struct {
	OwnerID string
	CaseID  string
	DocType string
	BlobKey string
	Actor   AuditActor
}
