// Package notify records in-app notifications and sends best-effort emails
// for document lifecycle events. Failures are logged and swallowed so review
// transitions never roll back because a side effect misfired.
package notify

import (
	"context"
	"log"

	"caselink/api/internal/store"
	"caselink/api/internal/util"
)

type notificationStore interface {
	InsertNotification(ctx context.Context, item store.Notification) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetCase(ctx context.Context, caseID string) (store.Case, error)
}

type mailer interface {
	IsConfigured() bool
	SendReviewOutcomeEmail(to, userName, docType string, version int, outcome, reason, caseTitle string) error
}

type Service struct {
	store  notificationStore
	mailer mailer
}

func NewService(s notificationStore, m mailer) *Service {
	return &Service{store: s, mailer: m}
}

// DocumentSubmitted tells each case mediator that a party uploaded or
// replaced a document awaiting review.
func (s *Service) DocumentSubmitted(ctx context.Context, item store.DocumentVersion, actorName string, mediators []store.User) {
	message := actorName + " submitted " + item.DocType + " for review"
	for _, m := range mediators {
		err := s.store.InsertNotification(ctx, store.Notification{
			ID:      util.NewID("ntf"),
			UserID:  m.ID,
			Message: message,
			Type:    "document.submitted",
		})
		if err != nil {
			log.Printf("notify: insert submitted notification for %s: %v", m.ID, err)
		}
	}
}

// ReviewOutcome tells the document owner their upload was confirmed or
// rejected, in app and by email when SMTP is configured.
func (s *Service) ReviewOutcome(ctx context.Context, item store.DocumentVersion, outcome, reason string) {
	message := "Your " + item.DocType + " was " + outcome
	if reason != "" {
		message += ": " + reason
	}
	err := s.store.InsertNotification(ctx, store.Notification{
		ID:      util.NewID("ntf"),
		UserID:  item.OwnerID,
		Message: message,
		Type:    "document." + outcome,
	})
	if err != nil {
		log.Printf("notify: insert review notification for %s: %v", item.OwnerID, err)
	}

	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	owner, err := s.store.GetUserByID(ctx, item.OwnerID)
	if err != nil {
		log.Printf("notify: load owner %s for email: %v", item.OwnerID, err)
		return
	}
	caseTitle := ""
	if item.CaseID != nil {
		if c, err := s.store.GetCase(ctx, *item.CaseID); err == nil {
			caseTitle = c.Title
		}
	}
	if err := s.mailer.SendReviewOutcomeEmail(owner.Email, owner.DisplayName, item.DocType, item.Version, outcome, reason, caseTitle); err != nil {
		log.Printf("notify: send review email to %s: %v", owner.Email, err)
	}
}
