package notify

import (
	"context"
	"errors"
	"testing"

	"caselink/api/internal/store"
)

type fakeStore struct {
	insertNotification func(ctx context.Context, item store.Notification) error
	getUserByID        func(ctx context.Context, userID string) (store.User, error)
	getCase            func(ctx context.Context, caseID string) (store.Case, error)
}

func (f *fakeStore) InsertNotification(ctx context.Context, item store.Notification) error {
	return f.insertNotification(ctx, item)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	return f.getUserByID(ctx, userID)
}

func (f *fakeStore) GetCase(ctx context.Context, caseID string) (store.Case, error) {
	return f.getCase(ctx, caseID)
}

type fakeMailer struct {
	configured bool
	sent       []string
	fail       error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendReviewOutcomeEmail(to, userName, docType string, version int, outcome, reason, caseTitle string) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, to)
	return nil
}

func TestDocumentSubmittedNotifiesEveryMediator(t *testing.T) {
	var inserted []store.Notification
	fs := &fakeStore{
		insertNotification: func(ctx context.Context, item store.Notification) error {
			inserted = append(inserted, item)
			return nil
		},
	}
	svc := NewService(fs, nil)

	item := store.DocumentVersion{ID: "doc-1", OwnerID: "user-party", DocType: "financial-disclosure"}
	mediators := []store.User{{ID: "med-1"}, {ID: "med-2"}}
	svc.DocumentSubmitted(context.Background(), item, "Jordan Blake", mediators)

	if len(inserted) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(inserted))
	}
	for i, n := range inserted {
		if n.UserID != mediators[i].ID {
			t.Errorf("notification %d for %s, want %s", i, n.UserID, mediators[i].ID)
		}
		if n.Type != "document.submitted" {
			t.Errorf("notification type = %q, want document.submitted", n.Type)
		}
	}
}

func TestReviewOutcomeSendsEmailWhenConfigured(t *testing.T) {
	caseID := "case-7"
	fs := &fakeStore{
		insertNotification: func(ctx context.Context, item store.Notification) error { return nil },
		getUserByID: func(ctx context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "owner@example.com", DisplayName: "Owner"}, nil
		},
		getCase: func(ctx context.Context, caseID string) (store.Case, error) {
			return store.Case{ID: caseID, Title: "Blake v. Blake"}, nil
		},
	}
	fm := &fakeMailer{configured: true}
	svc := NewService(fs, fm)

	item := store.DocumentVersion{ID: "doc-1", OwnerID: "user-party", CaseID: &caseID, DocType: "parenting-plan", Version: 2}
	svc.ReviewOutcome(context.Background(), item, "rejected", "illegible scan")

	if len(fm.sent) != 1 || fm.sent[0] != "owner@example.com" {
		t.Fatalf("expected one email to owner, got %v", fm.sent)
	}
}

func TestReviewOutcomeSwallowsStoreAndMailFailures(t *testing.T) {
	fs := &fakeStore{
		insertNotification: func(ctx context.Context, item store.Notification) error {
			return errors.New("insert failed")
		},
		getUserByID: func(ctx context.Context, userID string) (store.User, error) {
			return store.User{ID: userID, Email: "owner@example.com"}, nil
		},
		getCase: func(ctx context.Context, caseID string) (store.Case, error) {
			return store.Case{}, errors.New("case missing")
		},
	}
	fm := &fakeMailer{configured: true, fail: errors.New("smtp down")}
	svc := NewService(fs, fm)

	// Must not panic or surface any error to the caller.
	svc.ReviewOutcome(context.Background(), store.DocumentVersion{ID: "doc-1", OwnerID: "user-party", DocType: "asset-inventory", Version: 1}, "confirmed", "")
}

func TestReviewOutcomeSkipsEmailWhenUnconfigured(t *testing.T) {
	lookedUpUser := false
	fs := &fakeStore{
		insertNotification: func(ctx context.Context, item store.Notification) error { return nil },
		getUserByID: func(ctx context.Context, userID string) (store.User, error) {
			lookedUpUser = true
			return store.User{}, nil
		},
		getCase: func(ctx context.Context, caseID string) (store.Case, error) { return store.Case{}, nil },
	}
	fm := &fakeMailer{configured: false}
	svc := NewService(fs, fm)

	svc.ReviewOutcome(context.Background(), store.DocumentVersion{ID: "doc-1", OwnerID: "user-party", DocType: "asset-inventory", Version: 1}, "confirmed", "")

	if lookedUpUser {
		t.Error("should not load user for email when mailer is unconfigured")
	}
	if len(fm.sent) != 0 {
		t.Errorf("expected no emails, got %v", fm.sent)
	}
}
