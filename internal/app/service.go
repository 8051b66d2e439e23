package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"caselink/api/internal/auth"
	"caselink/api/internal/authpw"
	"caselink/api/internal/blob"
	"caselink/api/internal/config"
	"caselink/api/internal/rbac"
	"caselink/api/internal/review"
	"caselink/api/internal/search"
	"caselink/api/internal/store"
	"caselink/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateCase(context.Context, store.Case) error
	GetCase(context.Context, string) (store.Case, error)
	ListCasesForUser(context.Context, string) ([]store.Case, error)
	AddParticipant(context.Context, store.CaseParticipant) error
	GetParticipant(context.Context, string, string) (store.CaseParticipant, error)
	ListParticipants(context.Context, string) ([]store.CaseParticipant, error)
	UpdateParticipantStatus(context.Context, string, string, string) (bool, error)
	ListActiveMediators(context.Context, string) ([]store.User, error)
	SubmitDocumentVersion(context.Context, store.SubmitVersionInput) (store.DocumentVersion, error)
	ConfirmDocumentVersion(context.Context, string, store.AuditActor) (store.DocumentVersion, error)
	RejectDocumentVersion(context.Context, string, string, store.AuditActor) (store.DocumentVersion, error)
	AnnotateDocumentVersion(context.Context, string, string, store.AuditActor) error
	HardDeleteDocumentVersion(context.Context, string) error
	GetDocumentVersion(context.Context, string) (store.DocumentVersion, error)
	ListVersions(context.Context, string, string) ([]store.DocumentVersion, error)
	GetCurrentVersion(context.Context, string, string) (*store.DocumentVersion, error)
	ListAuditByVersion(context.Context, string) ([]store.AuditEntry, error)
	ListAuditByChain(context.Context, string, string) ([]store.AuditEntry, error)
	CaseDocumentCurrents(context.Context, string) ([]store.CaseDocumentStatus, error)
	InsertNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions. Backed by redis when available,
// otherwise by the refresh_sessions table.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (blob.Object, error)
}

type searchIndex interface {
	IndexVersion(v search.VersionRecord)
	IndexAudit(a search.AuditRecord)
	DeleteVersion(id string)
	Search(q search.Query) search.Response
}

type notifier interface {
	DocumentSubmitted(ctx context.Context, item store.DocumentVersion, actorName string, mediators []store.User)
	ReviewOutcome(ctx context.Context, item store.DocumentVersion, outcome, reason string)
}

type broadcaster interface {
	Publish(ctx context.Context, event, caseID string, attributes map[string]any) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	blobs     blobStore
	search    searchIndex
	notifier  notifier
	broadcast broadcaster
	authpw    *authpw.Service
	smtpOK    bool
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
	}
}

// SetSessionStore swaps the refresh session backend (redis in production).
func (s *Service) SetSessionStore(sessions refreshStore) { s.sessions = sessions }

func (s *Service) SetBlobStore(blobs blobStore) { s.blobs = blobs }

func (s *Service) SetSearch(index searchIndex) { s.search = index }

func (s *Service) SetNotifier(n notifier) { s.notifier = n }

func (s *Service) SetBroadcaster(b broadcaster) { s.broadcast = b }

func (s *Service) SetAuthPassword(svc *authpw.Service, smtpConfigured bool) {
	s.authpw = svc
	s.smtpOK = smtpConfigured
}

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool { return s.smtpOK }

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ---- access gate ----

// accessDecision is the outcome of the participant gate: the role the actor
// holds inside the version's case scope, and whether the participant store
// was unavailable so the actor was admitted at reduced privilege.
type accessDecision struct {
	Role     rbac.Role
	Degraded bool
}

// authorize gates one action against one document version. Owners always act
// on their own chain at their case role (or as plain parties outside a case);
// everyone else needs to be the case's mediator of record, hold an active
// participant row in the version's case, or carry the global admin role. When
// the participant table is unreachable the actor is admitted as a party with
// the degraded flag set, which keeps reads alive but denies review and admin
// actions.
func (s *Service) authorize(ctx context.Context, session Session, item store.DocumentVersion, action rbac.Action) (accessDecision, error) {
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return accessDecision{Role: rbac.RoleAdmin}, nil
	}

	isOwner := session.UserID == item.OwnerID

	if item.CaseID == nil {
		if !isOwner {
			return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		decision := accessDecision{Role: rbac.RoleParty}
		if !rbac.Can(decision.Role, action) {
			return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return decision, nil
	}

	decision, err := s.caseRole(ctx, session, *item.CaseID)
	if err != nil {
		return accessDecision{}, err
	}
	if decision.Degraded && !isOwner && action != rbac.ActionRead {
		// Reduced privilege: reads and uploads by the owner stay alive,
		// review and admin actions are denied.
		return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if !rbac.Can(decision.Role, action) {
		return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return decision, nil
}

// caseRole resolves the actor's role inside one case. The mediator of record
// holds the mediator role even without a participant row, so a stale or
// unreachable membership table never locks them out of their own case. A case
// that does not exist reads as not found, membership in a case that does
// exist is required for everyone else.
func (s *Service) caseRole(ctx context.Context, session Session, caseID string) (accessDecision, error) {
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return accessDecision{Role: rbac.RoleAdmin}, nil
	}
	caseRecord, err := s.store.GetCase(ctx, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return accessDecision{}, domainError(http.StatusNotFound, "NOT_FOUND", "Case not found", nil)
	}
	if err != nil {
		return accessDecision{}, err
	}
	if caseRecord.MediatorID == session.UserID {
		return accessDecision{Role: rbac.RoleMediator}, nil
	}
	participant, err := s.store.GetParticipant(ctx, caseID, session.UserID)
	switch {
	case err == nil:
		if participant.Status != store.ParticipantActive {
			return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return accessDecision{Role: rbac.Normalize(participant.Role)}, nil
	case errors.Is(err, store.ErrParticipantStoreUnavailable):
		return accessDecision{Role: rbac.RoleParty, Degraded: true}, nil
	case errors.Is(err, sql.ErrNoRows):
		return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	default:
		return accessDecision{}, err
	}
}

func (s *Service) actor(session Session, role rbac.Role) store.AuditActor {
	return store.AuditActor{ID: session.UserID, Name: session.UserName, Role: string(role)}
}

// ---- cases ----

func (s *Service) CreateCase(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	role := rbac.Normalize(session.Role)
	if role != rbac.RoleMediator && role != rbac.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	item := store.Case{
		ID:         util.NewID("case"),
		Title:      title,
		MediatorID: session.UserID,
		Status:     "open",
	}
	if err := s.store.CreateCase(ctx, item); err != nil {
		return nil, err
	}
	if err := s.store.AddParticipant(ctx, store.CaseParticipant{
		CaseID: item.ID,
		UserID: session.UserID,
		Role:   string(rbac.RoleMediator),
		Status: store.ParticipantActive,
	}); err != nil {
		return nil, err
	}
	return casePayload(item), nil
}

func (s *Service) ListCases(ctx context.Context, session Session) ([]map[string]any, error) {
	cases, err := s.store.ListCasesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cases))
	for _, c := range cases {
		items = append(items, casePayload(c))
	}
	return items, nil
}

func (s *Service) GetCase(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	if _, err := s.caseRole(ctx, session, caseID); err != nil {
		return nil, err
	}
	item, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return casePayload(item), nil
}

func (s *Service) AddParticipant(ctx context.Context, session Session, caseID, userID, role string) (map[string]any, error) {
	decision, err := s.caseRole(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	if decision.Degraded || !rbac.CanReview(decision.Role) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	normalized := rbac.Normalize(role)
	if normalized == rbac.RoleAdmin {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "admin is not a case role", nil)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddParticipant(ctx, store.CaseParticipant{
		CaseID: caseID,
		UserID: user.ID,
		Role:   string(normalized),
		Status: store.ParticipantActive,
	}); err != nil {
		return nil, err
	}
	s.publish(ctx, "participant.added", caseID, map[string]any{"userId": user.ID, "role": string(normalized)})
	return map[string]any{
		"caseId": caseID,
		"userId": user.ID,
		"role":   string(normalized),
		"status": store.ParticipantActive,
	}, nil
}

func (s *Service) ListCaseParticipants(ctx context.Context, session Session, caseID string) ([]map[string]any, error) {
	if _, err := s.caseRole(ctx, session, caseID); err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, caseID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		items = append(items, map[string]any{
			"caseId":   p.CaseID,
			"userId":   p.UserID,
			"role":     p.Role,
			"status":   p.Status,
			"email":    p.UserEmail,
			"userName": p.UserName,
		})
	}
	return items, nil
}

// SetParticipantStatus moves a participant between invited, active, and
// removed. Only the case's reviewers may manage membership.
func (s *Service) SetParticipantStatus(ctx context.Context, session Session, caseID, userID, status string) error {
	switch status {
	case store.ParticipantInvited, store.ParticipantActive, store.ParticipantRemoved:
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be invited, active, or removed", nil)
	}
	decision, err := s.caseRole(ctx, session, caseID)
	if err != nil {
		return err
	}
	if decision.Degraded || !rbac.CanReview(decision.Role) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	updated, err := s.store.UpdateParticipantStatus(ctx, caseID, userID, status)
	if err != nil {
		return err
	}
	if !updated {
		return sql.ErrNoRows
	}
	s.publish(ctx, "participant.updated", caseID, map[string]any{"userId": userID, "status": status})
	return nil
}

func (s *Service) RemoveParticipant(ctx context.Context, session Session, caseID, userID string) error {
	return s.SetParticipantStatus(ctx, session, caseID, userID, store.ParticipantRemoved)
}

// ---- documents ----

type SubmitDocumentInput struct {
	CaseID      string
	DocType     string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitDocument stores the payload, appends the next version to the actor's
// chain, and fires the post-commit side effects. The actor always uploads
// into their own chain.
func (s *Service) SubmitDocument(ctx context.Context, session Session, input SubmitDocumentInput) (map[string]any, error) {
	docType := normalizeDocType(input.DocType)
	if docType == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "docType is required", nil)
	}
	if input.Size <= 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
	}

	decision, err := s.caseRole(ctx, session, input.CaseID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(decision.Role, rbac.ActionUpload) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := "cases/" + input.CaseID + "/" + session.UserID + "/" + docType + "/" + util.NewID("blob")
	if s.blobs != nil {
		if err := s.blobs.Put(ctx, key, input.Body, input.Size, contentType); err != nil {
			return nil, err
		}
	}

	item, err := s.store.SubmitDocumentVersion(ctx, store.SubmitVersionInput{
		OwnerID: session.UserID,
		CaseID:  input.CaseID,
		DocType: docType,
		BlobKey: key,
		Actor:   s.actor(session, decision.Role),
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, domainError(http.StatusConflict, "VERSION_CONFLICT", "A concurrent upload took this version slot; retry", nil)
	}
	if err != nil {
		return nil, err
	}

	s.afterSubmit(ctx, item, session)
	return versionPayload(item, decision.Degraded), nil
}

func (s *Service) afterSubmit(ctx context.Context, item store.DocumentVersion, session Session) {
	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	if s.notifier != nil && caseID != "" {
		if mediators, err := s.store.ListActiveMediators(ctx, caseID); err != nil {
			log.Printf("notify: resolving mediators for case %s: %v", caseID, err)
		} else {
			s.notifier.DocumentSubmitted(ctx, item, session.UserName, mediators)
		}
	}
	event := "document.uploaded"
	if item.Version > 1 {
		event = "document.replaced"
	}
	s.publish(ctx, event, caseID, map[string]any{
		"versionId": item.ID,
		"docType":   item.DocType,
		"ownerId":   item.OwnerID,
		"version":   item.Version,
	})
	s.indexVersion(item, session.UserName)
	s.indexLatestAudit(ctx, item)
}

// ConfirmDocument transitions a pending version to confirmed, demoting any
// previously confirmed sibling in the same transaction.
func (s *Service) ConfirmDocument(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorize(ctx, session, item, rbac.ActionReview)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.ConfirmDocumentVersion(ctx, versionID, s.actor(session, decision.Role))
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only pending versions can be confirmed", map[string]any{"status": string(item.Status)})
	}
	if err != nil {
		return nil, err
	}

	s.afterReview(ctx, updated, "confirmed", "")
	return versionPayload(updated, decision.Degraded), nil
}

// RejectDocument transitions a pending version to rejected. A reason is
// required and lands in both the version row and the audit trail.
func (s *Service) RejectDocument(ctx context.Context, session Session, versionID, reason string) (map[string]any, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reason is required", nil)
	}
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorize(ctx, session, item, rbac.ActionReview)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.RejectDocumentVersion(ctx, versionID, reason, s.actor(session, decision.Role))
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Only pending versions can be rejected", map[string]any{"status": string(item.Status)})
	}
	if err != nil {
		return nil, err
	}

	s.afterReview(ctx, updated, "rejected", reason)
	return versionPayload(updated, decision.Degraded), nil
}

func (s *Service) afterReview(ctx context.Context, item store.DocumentVersion, outcome, reason string) {
	if s.notifier != nil {
		s.notifier.ReviewOutcome(ctx, item, outcome, reason)
	}
	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	s.publish(ctx, "document."+outcome, caseID, map[string]any{
		"versionId": item.ID,
		"docType":   item.DocType,
		"ownerId":   item.OwnerID,
		"version":   item.Version,
	})
	s.indexVersion(item, "")
	s.indexLatestAudit(ctx, item)
}

// AnnotateDocument appends a note to the version's audit trail without
// changing its status.
func (s *Service) AnnotateDocument(ctx context.Context, session Session, versionID, notes string) (map[string]any, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "notes are required", nil)
	}
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorize(ctx, session, item, rbac.ActionReview)
	if err != nil {
		return nil, err
	}

	if err := s.store.AnnotateDocumentVersion(ctx, versionID, notes, s.actor(session, decision.Role)); err != nil {
		return nil, err
	}

	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	s.publish(ctx, "document.annotated", caseID, map[string]any{
		"versionId": item.ID,
		"docType":   item.DocType,
	})
	s.indexLatestAudit(ctx, item)
	return map[string]any{"versionId": item.ID, "annotated": true}, nil
}

// HardDeleteDocument removes a version and its audit entries. The stored
// payload is left behind as an orphan; only the database rows go away.
func (s *Service) HardDeleteDocument(ctx context.Context, session Session, versionID string) error {
	if rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if err := s.store.HardDeleteDocumentVersion(ctx, versionID); err != nil {
		return err
	}
	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	s.publish(ctx, "document.deleted", caseID, map[string]any{
		"versionId": item.ID,
		"docType":   item.DocType,
		"version":   item.Version,
	})
	if s.search != nil {
		s.search.DeleteVersion(item.ID)
	}
	return nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorize(ctx, session, item, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return versionPayload(item, decision.Degraded), nil
}

// ListDocumentVersions returns the full chain for one (owner, docType) pair,
// newest first.
func (s *Service) ListDocumentVersions(ctx context.Context, session Session, ownerID, docType string) (map[string]any, error) {
	docType = normalizeDocType(docType)
	if ownerID == "" || docType == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerId and docType are required", nil)
	}
	versions, err := s.store.ListVersions(ctx, ownerID, docType)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorizeChain(ctx, session, ownerID, versions)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, versionPayload(v, false))
	}
	payload := map[string]any{"versions": items}
	if decision.Degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// CurrentDocumentVersion returns the chain's current version, or a null
// payload when the chain is empty.
func (s *Service) CurrentDocumentVersion(ctx context.Context, session Session, ownerID, docType string) (map[string]any, error) {
	docType = normalizeDocType(docType)
	if ownerID == "" || docType == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerId and docType are required", nil)
	}
	current, err := s.store.GetCurrentVersion(ctx, ownerID, docType)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return map[string]any{"current": nil}, nil
	}
	decision, err := s.authorize(ctx, session, *current, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return map[string]any{"current": versionPayload(*current, decision.Degraded)}, nil
}

// authorizeChain gates read access to a whole chain using its newest version
// as the case anchor. An empty chain is only visible to its owner and admins.
func (s *Service) authorizeChain(ctx context.Context, session Session, ownerID string, versions []store.DocumentVersion) (accessDecision, error) {
	if len(versions) > 0 {
		return s.authorize(ctx, session, versions[0], rbac.ActionRead)
	}
	if session.UserID == ownerID || rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return accessDecision{Role: rbac.Normalize(session.Role)}, nil
	}
	return accessDecision{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// DocumentAudit returns the audit trail for one version.
func (s *Service) DocumentAudit(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorize(ctx, session, item, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAuditByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"audit": auditPayloads(entries)}
	if decision.Degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// ChainAudit returns every audit entry across a whole (owner, docType) chain
// in creation order, together with the review status each version replays to.
func (s *Service) ChainAudit(ctx context.Context, session Session, ownerID, docType string) (map[string]any, error) {
	docType = normalizeDocType(docType)
	if ownerID == "" || docType == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownerId and docType are required", nil)
	}
	versions, err := s.store.ListVersions(ctx, ownerID, docType)
	if err != nil {
		return nil, err
	}
	decision, err := s.authorizeChain(ctx, session, ownerID, versions)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAuditByChain(ctx, ownerID, docType)
	if err != nil {
		return nil, err
	}

	events := make([]review.Event, 0, len(entries))
	for _, e := range entries {
		events = append(events, review.Event{VersionID: e.VersionID, Action: e.Action})
	}
	replayed := review.ReplayChain(events)
	statuses := make(map[string]string, len(replayed))
	for versionID, status := range replayed {
		statuses[versionID] = string(status)
	}

	payload := map[string]any{
		"audit":            auditPayloads(entries),
		"replayedStatuses": statuses,
	}
	if decision.Degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// DownloadDocument opens the stored payload for one version after the read
// gate passes. The caller must close the returned reader.
func (s *Service) DownloadDocument(ctx context.Context, session Session, versionID string) (store.DocumentVersion, blob.Object, error) {
	item, err := s.store.GetDocumentVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, blob.Object{}, err
	}
	if _, err := s.authorize(ctx, session, item, rbac.ActionRead); err != nil {
		return store.DocumentVersion{}, blob.Object{}, err
	}
	if s.blobs == nil {
		return store.DocumentVersion{}, blob.Object{}, domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "Document storage is not configured", nil)
	}
	object, err := s.blobs.Get(ctx, item.BlobKey)
	if err != nil {
		return store.DocumentVersion{}, blob.Object{}, err
	}
	return item, object, nil
}

// CaseDocumentSummary is the per-case dashboard: every chain's current
// version with the owner's name and last activity.
func (s *Service) CaseDocumentSummary(ctx context.Context, session Session, caseID string) (map[string]any, error) {
	decision, err := s.caseRole(ctx, session, caseID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.CaseDocumentCurrents(ctx, caseID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		item := map[string]any{
			"ownerId":   row.OwnerID,
			"ownerName": row.OwnerName,
			"docType":   row.DocType,
			"versionId": row.VersionID,
			"version":   row.Version,
			"status":    string(row.Status),
		}
		if row.LastAuditAt != nil {
			item["lastActivityAt"] = row.LastAuditAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	payload := map[string]any{"documents": items}
	if decision.Degraded {
		payload["degraded"] = true
	}
	return payload, nil
}

// ---- notifications ----

func (s *Service) Notifications(ctx context.Context, session Session, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	notifications, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, map[string]any{
			"id":        n.ID,
			"message":   n.Message,
			"type":      n.Type,
			"isRead":    n.IsRead,
			"createdAt": n.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"notifications": items}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	updated, err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID)
	if err != nil {
		return err
	}
	if !updated {
		return sql.ErrNoRows
	}
	return nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, session Session, text, filterType, caseID, status string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": text}, nil
	}
	if caseID != "" {
		if _, err := s.caseRole(ctx, session, caseID); err != nil {
			return nil, err
		}
	}
	resp := s.search.Search(search.Query{
		Text:         text,
		FilterType:   search.ResultType(filterType),
		FilterCaseID: caseID,
		FilterStatus: status,
		Limit:        limit,
		Offset:       offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

// ---- helpers ----

func (s *Service) publish(ctx context.Context, event, caseID string, attributes map[string]any) {
	if s.broadcast == nil || caseID == "" {
		return
	}
	// Best effort: the publisher logs its own failures upstream; a dead
	// broker must not fail the transition.
	_ = s.broadcast.Publish(ctx, event, caseID, attributes)
}

func (s *Service) indexVersion(item store.DocumentVersion, ownerName string) {
	if s.search == nil {
		return
	}
	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	s.search.IndexVersion(search.VersionRecord{
		ID:              item.ID,
		DocType:         item.DocType,
		OwnerID:         item.OwnerID,
		OwnerName:       ownerName,
		CaseID:          caseID,
		Version:         item.Version,
		Status:          string(item.Status),
		RejectionReason: item.RejectionReason,
	})
}

// indexLatestAudit pushes the newest audit entry of a version into the search
// index after a lifecycle action.
func (s *Service) indexLatestAudit(ctx context.Context, item store.DocumentVersion) {
	if s.search == nil {
		return
	}
	entries, err := s.store.ListAuditByVersion(ctx, item.ID)
	if err != nil || len(entries) == 0 {
		return
	}
	entry := entries[len(entries)-1]
	caseID := ""
	if item.CaseID != nil {
		caseID = *item.CaseID
	}
	notes := ""
	if raw, ok := entry.Metadata["notes"].(string); ok {
		notes = raw
	}
	s.search.IndexAudit(search.AuditRecord{
		ID:        entry.ID,
		VersionID: entry.VersionID,
		CaseID:    caseID,
		Action:    string(entry.Action),
		ActorName: entry.ActorName,
		Reason:    entry.Reason,
		Notes:     notes,
	})
}

func normalizeDocType(docType string) string {
	return strings.ToLower(strings.TrimSpace(docType))
}

func casePayload(item store.Case) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"title":      item.Title,
		"mediatorId": item.MediatorID,
		"status":     item.Status,
	}
}

func versionPayload(item store.DocumentVersion, degraded bool) map[string]any {
	payload := map[string]any{
		"id":        item.ID,
		"ownerId":   item.OwnerID,
		"docType":   item.DocType,
		"version":   item.Version,
		"isCurrent": item.IsCurrent,
		"status":    string(item.Status),
		"createdAt": item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": item.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if item.CaseID != nil {
		payload["caseId"] = *item.CaseID
	}
	if item.RejectionReason != "" {
		payload["rejectionReason"] = item.RejectionReason
	}
	if degraded {
		payload["degraded"] = true
	}
	return payload
}

func auditPayloads(entries []store.AuditEntry) []map[string]any {
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"id":        e.ID,
			"versionId": e.VersionID,
			"action":    string(e.Action),
			"actorName": e.ActorName,
			"actorRole": e.ActorRole,
			"createdAt": e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if e.ActorID != "" {
			item["actorId"] = e.ActorID
		}
		if e.Reason != "" {
			item["reason"] = e.Reason
		}
		if len(e.Metadata) > 0 {
			item["metadata"] = e.Metadata
		}
		items = append(items, item)
	}
	return items
}
