package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"caselink/api/internal/config"
	"caselink/api/internal/review"
	"caselink/api/internal/store"
)

// fakeStore is an in-memory dataStore. The document and audit methods follow
// the same rules as the SQL implementation so the service layer can be tested
// without a database; getParticipantFn lets individual tests force lookup
// failures.
type fakeStore struct {
	mu            sync.Mutex
	users         map[string]store.User
	cases         map[string]store.Case
	participants  map[string]store.CaseParticipant
	versions      []*store.DocumentVersion
	audit         []store.AuditEntry
	notifications []store.Notification
	sessions      map[string]string
	seq           int

	getParticipantFn func(context.Context, string, string) (store.CaseParticipant, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]store.User),
		cases:        make(map[string]store.Case),
		participants: make(map[string]store.CaseParticipant),
		sessions:     make(map[string]string),
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func participantKey(caseID, userID string) string { return caseID + "/" + userID }

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateCase(_ context.Context, item store.Case) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cases[item.ID] = item
	return nil
}

func (f *fakeStore) GetCase(_ context.Context, caseID string) (store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.cases[caseID]
	if !ok {
		return store.Case{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) ListCasesForUser(_ context.Context, userID string) ([]store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Case
	for _, p := range f.participants {
		if p.UserID == userID && p.Status == store.ParticipantActive {
			if c, ok := f.cases[p.CaseID]; ok {
				items = append(items, c)
			}
		}
	}
	return items, nil
}

func (f *fakeStore) AddParticipant(_ context.Context, participant store.CaseParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[participantKey(participant.CaseID, participant.UserID)] = participant
	return nil
}

func (f *fakeStore) GetParticipant(ctx context.Context, caseID, userID string) (store.CaseParticipant, error) {
	if f.getParticipantFn != nil {
		return f.getParticipantFn(ctx, caseID, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	participant, ok := f.participants[participantKey(caseID, userID)]
	if !ok {
		return store.CaseParticipant{}, sql.ErrNoRows
	}
	return participant, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, caseID string) ([]store.CaseParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.CaseParticipant
	for _, p := range f.participants {
		if p.CaseID == caseID {
			items = append(items, p)
		}
	}
	return items, nil
}

func (f *fakeStore) UpdateParticipantStatus(_ context.Context, caseID, userID, status string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := participantKey(caseID, userID)
	participant, ok := f.participants[key]
	if !ok {
		return false, nil
	}
	participant.Status = status
	f.participants[key] = participant
	return true, nil
}

func (f *fakeStore) ListActiveMediators(_ context.Context, caseID string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var mediators []store.User
	for _, p := range f.participants {
		if p.CaseID == caseID && p.Role == "mediator" && p.Status == store.ParticipantActive {
			if user, ok := f.users[p.UserID]; ok {
				mediators = append(mediators, user)
			}
		}
	}
	return mediators, nil
}

func (f *fakeStore) SubmitDocumentVersion(_ context.Context, input store.SubmitVersionInput) (store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	highest := 0
	for _, v := range f.versions {
		if v.OwnerID == input.OwnerID && v.DocType == input.DocType {
			if v.Version > highest {
				highest = v.Version
			}
			v.IsCurrent = false
		}
	}
	item := &store.DocumentVersion{
		ID:        f.nextID("doc"),
		OwnerID:   input.OwnerID,
		DocType:   input.DocType,
		Version:   highest + 1,
		IsCurrent: true,
		Status:    review.StatusPending,
		BlobKey:   input.BlobKey,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if input.CaseID != "" {
		caseID := input.CaseID
		item.CaseID = &caseID
	}
	f.versions = append(f.versions, item)
	action := review.ActionUploaded
	if highest > 0 {
		action = review.ActionReplaced
	}
	f.appendAuditLocked(item.ID, action, input.Actor, "", map[string]any{"newVersion": item.Version})
	return *item, nil
}

func (f *fakeStore) findVersionLocked(versionID string) (*store.DocumentVersion, error) {
	for _, v := range f.versions {
		if v.ID == versionID {
			return v, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) ConfirmDocumentVersion(_ context.Context, versionID string, actor store.AuditActor) (store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, err := f.findVersionLocked(versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if !item.Status.CanTransition(review.StatusConfirmed) {
		return store.DocumentVersion{}, store.ErrInvalidTransition
	}
	metadata := map[string]any{"version": item.Version}
	for _, v := range f.versions {
		if v.OwnerID == item.OwnerID && v.DocType == item.DocType && v.ID != item.ID && v.Status == review.StatusConfirmed {
			v.Status = review.StatusPending
			metadata["demotedVersion"] = v.Version
		}
	}
	item.Status = review.StatusConfirmed
	item.RejectionReason = ""
	f.appendAuditLocked(item.ID, review.ActionConfirmed, actor, "", metadata)
	return *item, nil
}

func (f *fakeStore) RejectDocumentVersion(_ context.Context, versionID, reason string, actor store.AuditActor) (store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, err := f.findVersionLocked(versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	if !item.Status.CanTransition(review.StatusRejected) {
		return store.DocumentVersion{}, store.ErrInvalidTransition
	}
	item.Status = review.StatusRejected
	item.RejectionReason = reason
	f.appendAuditLocked(item.ID, review.ActionRejected, actor, reason, map[string]any{"version": item.Version})
	return *item, nil
}

func (f *fakeStore) AnnotateDocumentVersion(_ context.Context, versionID, notes string, actor store.AuditActor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.findVersionLocked(versionID); err != nil {
		return err
	}
	f.appendAuditLocked(versionID, review.ActionAnnotated, actor, "", map[string]any{"notes": notes})
	return nil
}

func (f *fakeStore) HardDeleteDocumentVersion(_ context.Context, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.versions[:0]
	found := false
	for _, v := range f.versions {
		if v.ID == versionID {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return sql.ErrNoRows
	}
	f.versions = kept
	remaining := f.audit[:0]
	for _, entry := range f.audit {
		if entry.VersionID != versionID {
			remaining = append(remaining, entry)
		}
	}
	f.audit = remaining
	return nil
}

func (f *fakeStore) GetDocumentVersion(_ context.Context, versionID string) (store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, err := f.findVersionLocked(versionID)
	if err != nil {
		return store.DocumentVersion{}, err
	}
	return *item, nil
}

func (f *fakeStore) ListVersions(_ context.Context, ownerID, docType string) ([]store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.DocumentVersion
	for i := len(f.versions) - 1; i >= 0; i-- {
		v := f.versions[i]
		if v.OwnerID == ownerID && v.DocType == docType {
			items = append(items, *v)
		}
	}
	return items, nil
}

func (f *fakeStore) GetCurrentVersion(_ context.Context, ownerID, docType string) (*store.DocumentVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.OwnerID == ownerID && v.DocType == docType && v.IsCurrent {
			item := *v
			return &item, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListAuditByVersion(_ context.Context, versionID string) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.AuditEntry
	for _, entry := range f.audit {
		if entry.VersionID == versionID {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (f *fakeStore) ListAuditByChain(_ context.Context, ownerID, docType string) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool)
	for _, v := range f.versions {
		if v.OwnerID == ownerID && v.DocType == docType {
			ids[v.ID] = true
		}
	}
	var items []store.AuditEntry
	for _, entry := range f.audit {
		if ids[entry.VersionID] {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (f *fakeStore) CaseDocumentCurrents(_ context.Context, caseID string) ([]store.CaseDocumentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.CaseDocumentStatus
	for _, v := range f.versions {
		if v.IsCurrent && v.CaseID != nil && *v.CaseID == caseID {
			owner := f.users[v.OwnerID]
			items = append(items, store.CaseDocumentStatus{
				OwnerID:   v.OwnerID,
				OwnerName: owner.DisplayName,
				DocType:   v.DocType,
				VersionID: v.ID,
				Version:   v.Version,
				Status:    v.Status,
			})
		}
	}
	return items, nil
}

func (f *fakeStore) InsertNotification(_ context.Context, item store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = f.nextID("ntf")
	}
	f.notifications = append(f.notifications, item)
	return nil
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Notification
	for i := len(f.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if f.notifications[i].UserID == userID {
			items = append(items, f.notifications[i])
		}
	}
	return items, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, notificationID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == notificationID && f.notifications[i].UserID == userID {
			f.notifications[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return f.users[userID], nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

func (f *fakeStore) appendAuditLocked(versionID string, action review.Action, actor store.AuditActor, reason string, metadata map[string]any) {
	f.audit = append(f.audit, store.AuditEntry{
		ID:        f.nextID("aud"),
		VersionID: versionID,
		Action:    action,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Reason:    reason,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
}

// ---- fixtures ----

const testCaseID = "case_1"

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	fake := newFakeStore()
	fake.users["usr_party"] = store.User{ID: "usr_party", DisplayName: "Pat Party", Email: "pat@example.com", Role: "party"}
	fake.users["usr_mediator"] = store.User{ID: "usr_mediator", DisplayName: "Morgan Mediator", Email: "morgan@example.com", Role: "mediator"}
	fake.users["usr_admin"] = store.User{ID: "usr_admin", DisplayName: "Alex Admin", Email: "alex@example.com", Role: "admin"}
	fake.users["usr_comediator"] = store.User{ID: "usr_comediator", DisplayName: "Casey Comediator", Email: "casey@example.com", Role: "mediator"}
	fake.users["usr_outsider"] = store.User{ID: "usr_outsider", DisplayName: "Olive Outsider", Email: "olive@example.com", Role: "party"}
	fake.cases[testCaseID] = store.Case{ID: testCaseID, Title: "Estate of Doe", MediatorID: "usr_mediator", Status: "open"}
	fake.participants[participantKey(testCaseID, "usr_party")] = store.CaseParticipant{CaseID: testCaseID, UserID: "usr_party", Role: "party", Status: store.ParticipantActive}
	fake.participants[participantKey(testCaseID, "usr_mediator")] = store.CaseParticipant{CaseID: testCaseID, UserID: "usr_mediator", Role: "mediator", Status: store.ParticipantActive}
	fake.participants[participantKey(testCaseID, "usr_comediator")] = store.CaseParticipant{CaseID: testCaseID, UserID: "usr_comediator", Role: "mediator", Status: store.ParticipantActive}

	cfg := config.Config{JWTSecret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	service := &Service{cfg: cfg, store: fake, sessions: fake}
	return service, fake
}

func partySession() Session {
	return Session{UserID: "usr_party", UserName: "Pat Party", Role: "party"}
}

func mediatorSession() Session {
	return Session{UserID: "usr_mediator", UserName: "Morgan Mediator", Role: "mediator"}
}

func comediatorSession() Session {
	return Session{UserID: "usr_comediator", UserName: "Casey Comediator", Role: "mediator"}
}

func adminSession() Session {
	return Session{UserID: "usr_admin", UserName: "Alex Admin", Role: "admin"}
}

func submitVersion(t *testing.T, service *Service, session Session, docType string) string {
	t.Helper()
	payload, err := service.SubmitDocument(context.Background(), session, SubmitDocumentInput{
		CaseID:      testCaseID,
		DocType:     docType,
		Filename:    docType + ".pdf",
		ContentType: "application/pdf",
		Size:        int64(len("payload")),
		Body:        strings.NewReader("payload"),
	})
	if err != nil {
		t.Fatalf("SubmitDocument: %v", err)
	}
	return payload["id"].(string)
}

// ---- tests ----

func TestSubmitDocumentAssignsMonotonicVersions(t *testing.T) {
	service, fake := newTestService(t)
	session := partySession()

	for i := 0; i < 3; i++ {
		submitVersion(t, service, session, "asset-statement")
	}

	versions, err := fake.ListVersions(context.Background(), "usr_party", "asset-statement")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	currents := 0
	for _, v := range versions {
		if v.IsCurrent {
			currents++
			if v.Version != 3 {
				t.Fatalf("current version should be 3, got %d", v.Version)
			}
		}
	}
	if currents != 1 {
		t.Fatalf("expected exactly one current version, got %d", currents)
	}

	entries, _ := fake.ListAuditByChain(context.Background(), "usr_party", "asset-statement")
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	if entries[0].Action != review.ActionUploaded {
		t.Fatalf("first entry should be uploaded, got %s", entries[0].Action)
	}
	if entries[1].Action != review.ActionReplaced || entries[2].Action != review.ActionReplaced {
		t.Fatalf("later entries should be replaced, got %s and %s", entries[1].Action, entries[2].Action)
	}
}

func TestConfirmDemotesPreviouslyConfirmedVersion(t *testing.T) {
	service, fake := newTestService(t)

	firstID := submitVersion(t, service, partySession(), "parenting-plan")
	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), firstID); err != nil {
		t.Fatalf("confirm v1: %v", err)
	}

	secondID := submitVersion(t, service, partySession(), "parenting-plan")
	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), secondID); err != nil {
		t.Fatalf("confirm v2: %v", err)
	}

	confirmed := 0
	for _, v := range fake.versions {
		if v.Status == review.StatusConfirmed {
			confirmed++
			if v.ID != secondID {
				t.Fatalf("wrong version confirmed: %s", v.ID)
			}
		}
	}
	if confirmed != 1 {
		t.Fatalf("expected exactly one confirmed version, got %d", confirmed)
	}

	first, _ := fake.GetDocumentVersion(context.Background(), firstID)
	if first.Status != review.StatusPending {
		t.Fatalf("demoted version should be pending, got %s", first.Status)
	}
}

func TestConfirmRejectedVersionIsInvalid(t *testing.T) {
	service, _ := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "budget")
	if _, err := service.RejectDocument(context.Background(), mediatorSession(), versionID, "incomplete figures"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err := service.ConfirmDocument(context.Background(), mediatorSession(), versionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	service, _ := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "budget")
	_, err := service.RejectDocument(context.Background(), mediatorSession(), versionID, "   ")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestPartyCannotReviewAndLeavesNoTrace(t *testing.T) {
	service, fake := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")
	auditBefore := len(fake.audit)

	_, err := service.ConfirmDocument(context.Background(), partySession(), versionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}

	item, _ := fake.GetDocumentVersion(context.Background(), versionID)
	if item.Status != review.StatusPending {
		t.Fatalf("denied review must not change status, got %s", item.Status)
	}
	if len(fake.audit) != auditBefore {
		t.Fatalf("denied review must not append audit entries")
	}
}

func TestNonParticipantCannotRead(t *testing.T) {
	service, _ := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")
	outsider := Session{UserID: "usr_outsider", UserName: "Olive Outsider", Role: "party"}

	_, err := service.GetDocument(context.Background(), outsider, versionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestDegradedParticipantLookupKeepsReadsAlive(t *testing.T) {
	service, fake := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")

	fake.getParticipantFn = func(context.Context, string, string) (store.CaseParticipant, error) {
		return store.CaseParticipant{}, store.ErrParticipantStoreUnavailable
	}

	payload, err := service.ListDocumentVersions(context.Background(), partySession(), "usr_party", "asset-statement")
	if err != nil {
		t.Fatalf("owner read in degraded mode: %v", err)
	}
	if degraded, _ := payload["degraded"].(bool); !degraded {
		t.Fatalf("degraded flag should be set")
	}

	_, err = service.ConfirmDocument(context.Background(), comediatorSession(), versionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("review must be denied in degraded mode, got %v", err)
	}

	item, _ := fake.GetDocumentVersion(context.Background(), versionID)
	if item.Status != review.StatusPending {
		t.Fatalf("status must be unchanged, got %s", item.Status)
	}
}

func TestMediatorOfRecordActsWithoutMembershipRow(t *testing.T) {
	service, fake := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")

	membership := fake.participants[participantKey(testCaseID, "usr_mediator")]
	membership.Status = store.ParticipantRemoved
	fake.participants[participantKey(testCaseID, "usr_mediator")] = membership

	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), versionID); err != nil {
		t.Fatalf("confirm by the mediator of record: %v", err)
	}
	item, _ := fake.GetDocumentVersion(context.Background(), versionID)
	if item.Status != review.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", item.Status)
	}
}

func TestMediatorOfRecordReviewsInDegradedMode(t *testing.T) {
	service, fake := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")

	fake.getParticipantFn = func(context.Context, string, string) (store.CaseParticipant, error) {
		return store.CaseParticipant{}, store.ErrParticipantStoreUnavailable
	}

	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), versionID); err != nil {
		t.Fatalf("mediator of record must not depend on the membership table: %v", err)
	}
}

func TestUnknownCaseReadsAsNotFound(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetCase(context.Background(), partySession(), "case_missing")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 for an unknown case, got %v", err)
	}

	_, err = service.CaseDocumentSummary(context.Background(), partySession(), "case_missing")
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 from the document summary, got %v", err)
	}
}

func TestHardDeleteRequiresAdmin(t *testing.T) {
	service, fake := newTestService(t)

	versionID := submitVersion(t, service, partySession(), "asset-statement")

	err := service.HardDeleteDocument(context.Background(), mediatorSession(), versionID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("mediator delete should be denied, got %v", err)
	}

	if err := service.HardDeleteDocument(context.Background(), adminSession(), versionID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := fake.GetDocumentVersion(context.Background(), versionID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("version should be gone, got %v", err)
	}
	for _, entry := range fake.audit {
		if entry.VersionID == versionID {
			t.Fatalf("audit entries should cascade with the version")
		}
	}
}

type failingBroadcaster struct{ calls int }

func (b *failingBroadcaster) Publish(context.Context, string, string, map[string]any) error {
	b.calls++
	return errors.New("broker down")
}

func TestBrokenBroadcasterDoesNotFailTransitions(t *testing.T) {
	service, fake := newTestService(t)
	broker := &failingBroadcaster{}
	service.SetBroadcaster(broker)

	versionID := submitVersion(t, service, partySession(), "asset-statement")
	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), versionID); err != nil {
		t.Fatalf("confirm with dead broker: %v", err)
	}
	if broker.calls == 0 {
		t.Fatalf("broadcaster should have been invoked")
	}
	item, _ := fake.GetDocumentVersion(context.Background(), versionID)
	if item.Status != review.StatusConfirmed {
		t.Fatalf("transition should have committed, got %s", item.Status)
	}
}

func TestSubmitNotifiesActiveMediators(t *testing.T) {
	service, fake := newTestService(t)
	service.SetNotifier(notifyRecorder{store: fake})

	submitVersion(t, service, partySession(), "asset-statement")

	notifications, _ := fake.ListNotifications(context.Background(), "usr_mediator", 10)
	if len(notifications) != 1 {
		t.Fatalf("mediator should have one notification, got %d", len(notifications))
	}
}

// notifyRecorder stands in for notify.Service: it inserts the same rows the
// real notifier would.
type notifyRecorder struct{ store *fakeStore }

func (n notifyRecorder) DocumentSubmitted(ctx context.Context, item store.DocumentVersion, actorName string, mediators []store.User) {
	for _, mediator := range mediators {
		_ = n.store.InsertNotification(ctx, store.Notification{
			UserID:  mediator.ID,
			Message: actorName + " submitted " + item.DocType,
			Type:    "document.submitted",
		})
	}
}

func (n notifyRecorder) ReviewOutcome(ctx context.Context, item store.DocumentVersion, outcome, _ string) {
	_ = n.store.InsertNotification(ctx, store.Notification{
		UserID:  item.OwnerID,
		Message: item.DocType + " was " + outcome,
		Type:    "document." + outcome,
	})
}

func TestChainAuditReplayMatchesStoredStatuses(t *testing.T) {
	service, fake := newTestService(t)

	first := submitVersion(t, service, partySession(), "parenting-plan")
	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), first); err != nil {
		t.Fatalf("confirm v1: %v", err)
	}
	second := submitVersion(t, service, partySession(), "parenting-plan")
	if _, err := service.RejectDocument(context.Background(), mediatorSession(), second, "missing schedule"); err != nil {
		t.Fatalf("reject v2: %v", err)
	}
	third := submitVersion(t, service, partySession(), "parenting-plan")
	if _, err := service.ConfirmDocument(context.Background(), mediatorSession(), third); err != nil {
		t.Fatalf("confirm v3: %v", err)
	}

	payload, err := service.ChainAudit(context.Background(), partySession(), "usr_party", "parenting-plan")
	if err != nil {
		t.Fatalf("ChainAudit: %v", err)
	}
	replayed := payload["replayedStatuses"].(map[string]string)

	for _, v := range fake.versions {
		if v.DocType != "parenting-plan" {
			continue
		}
		if replayed[v.ID] != string(v.Status) {
			t.Fatalf("replayed status for version %d is %s, stored is %s", v.Version, replayed[v.ID], v.Status)
		}
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	service, _ := newTestService(t)

	session, err := service.CreateSession(context.Background(), "usr_party")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rotated, err := service.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token should rotate")
	}

	if _, err := service.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatalf("old refresh token should be revoked")
	}
}
