package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"caselink/api/internal/review"
	"caselink/api/internal/util"
)

// ErrInvalidTransition marks a confirm/reject against a version whose current
// status does not permit the transition.
var ErrInvalidTransition = errors.New("invalid review transition")

// SubmitDocumentVersion appends a new version to the (owner, docType) chain:
// it computes the next version number, moves the current flag, and records the
// uploaded/replaced audit entry, all inside one transaction. If the audit
// append fails the version insert rolls back with it. A concurrent submission
// for the same chain loses on the (owner_id, doc_type, version) unique
// constraint and surfaces as ErrVersionConflict.
func (s *PostgresStore) SubmitDocumentVersion(ctx context.Context, input SubmitVersionInput) (DocumentVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback()

	var highest int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM document_versions
		WHERE owner_id=$1 AND doc_type=$2
	`, input.OwnerID, input.DocType).Scan(&highest)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("read highest version: %w", err)
	}
	next := highest + 1

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions
		SET is_current=FALSE, updated_at=NOW()
		WHERE owner_id=$1 AND doc_type=$2 AND is_current
	`, input.OwnerID, input.DocType); err != nil {
		return DocumentVersion{}, fmt.Errorf("clear current flag: %w", err)
	}

	item := DocumentVersion{
		ID:        util.NewID("doc"),
		OwnerID:   input.OwnerID,
		DocType:   input.DocType,
		Version:   next,
		IsCurrent: true,
		Status:    review.StatusPending,
		BlobKey:   input.BlobKey,
	}
	if input.CaseID != "" {
		caseID := input.CaseID
		item.CaseID = &caseID
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, owner_id, case_id, doc_type, version, is_current, status, blob_key)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		RETURNING created_at, updated_at
	`, item.ID, item.OwnerID, item.CaseID, item.DocType, item.Version, string(item.Status), item.BlobKey).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return DocumentVersion{}, ErrVersionConflict
		}
		return DocumentVersion{}, fmt.Errorf("insert document version: %w", err)
	}

	action := review.ActionUploaded
	metadata := map[string]any{"newVersion": next}
	if next > 1 {
		action = review.ActionReplaced
		metadata["oldVersion"] = highest
	}
	if err := appendAudit(ctx, tx, item.ID, action, input.Actor, "", metadata); err != nil {
		return DocumentVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit submit tx: %w", err)
	}
	return item, nil
}

// ConfirmDocumentVersion sets a pending version to confirmed. If another
// version of the same chain is already confirmed it is demoted to pending
// inside the same transaction, so at most one version per chain is confirmed
// at any time.
func (s *PostgresStore) ConfirmDocumentVersion(ctx context.Context, versionID string, actor AuditActor) (DocumentVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin confirm tx: %w", err)
	}
	defer tx.Rollback()

	item, err := lockVersion(ctx, tx, versionID)
	if err != nil {
		return DocumentVersion{}, err
	}
	if !item.Status.CanTransition(review.StatusConfirmed) {
		return DocumentVersion{}, ErrInvalidTransition
	}

	var demotedVersion sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		WITH demoted AS (
			UPDATE document_versions
			SET status='pending', updated_at=NOW()
			WHERE owner_id=$1 AND doc_type=$2 AND status='confirmed' AND id<>$3
			RETURNING version
		)
		SELECT MAX(version) FROM demoted
	`, item.OwnerID, item.DocType, item.ID).Scan(&demotedVersion)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("demote confirmed sibling: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE document_versions
		SET status='confirmed', rejection_reason=NULL, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, item.ID).Scan(&item.UpdatedAt)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("confirm document version: %w", err)
	}
	item.Status = review.StatusConfirmed
	item.RejectionReason = ""

	metadata := map[string]any{"version": item.Version}
	if demotedVersion.Valid {
		metadata["demotedVersion"] = int(demotedVersion.Int64)
	}
	if err := appendAudit(ctx, tx, item.ID, review.ActionConfirmed, actor, "", metadata); err != nil {
		return DocumentVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit confirm tx: %w", err)
	}
	return item, nil
}

// RejectDocumentVersion sets a pending version to rejected with a reason and
// records the rejection in the audit trail. The reason is required; the
// service layer validates it before calling.
func (s *PostgresStore) RejectDocumentVersion(ctx context.Context, versionID, reason string, actor AuditActor) (DocumentVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin reject tx: %w", err)
	}
	defer tx.Rollback()

	item, err := lockVersion(ctx, tx, versionID)
	if err != nil {
		return DocumentVersion{}, err
	}
	if !item.Status.CanTransition(review.StatusRejected) {
		return DocumentVersion{}, ErrInvalidTransition
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE document_versions
		SET status='rejected', rejection_reason=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, item.ID, reason).Scan(&item.UpdatedAt)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("reject document version: %w", err)
	}
	item.Status = review.StatusRejected
	item.RejectionReason = reason

	metadata := map[string]any{"version": item.Version, "reason": reason}
	if err := appendAudit(ctx, tx, item.ID, review.ActionRejected, actor, reason, metadata); err != nil {
		return DocumentVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit reject tx: %w", err)
	}
	return item, nil
}

// AnnotateDocumentVersion appends an annotated audit entry without touching
// the version's status.
func (s *PostgresStore) AnnotateDocumentVersion(ctx context.Context, versionID, notes string, actor AuditActor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin annotate tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := lockVersion(ctx, tx, versionID); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, versionID, review.ActionAnnotated, actor, "", map[string]any{"notes": notes}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit annotate tx: %w", err)
	}
	return nil
}

// HardDeleteDocumentVersion removes a version and its audit chain in one
// transaction (the audit FK cascades). Administrative use only.
func (s *PostgresStore) HardDeleteDocumentVersion(ctx context.Context, versionID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM document_versions WHERE id=$1`, versionID)
	if err != nil {
		return fmt.Errorf("hard delete document version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("hard delete rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetDocumentVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	var item DocumentVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, case_id, doc_type, version, is_current, status, COALESCE(rejection_reason, ''), blob_key, created_at, updated_at
		FROM document_versions
		WHERE id=$1
	`, versionID).Scan(&item.ID, &item.OwnerID, &item.CaseID, &item.DocType, &item.Version, &item.IsCurrent, &item.Status, &item.RejectionReason, &item.BlobKey, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return DocumentVersion{}, err
	}
	return item, nil
}

// ListVersions returns the full chain for (owner, docType), newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, ownerID, docType string) ([]DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, case_id, doc_type, version, is_current, status, COALESCE(rejection_reason, ''), blob_key, created_at, updated_at
		FROM document_versions
		WHERE owner_id=$1 AND doc_type=$2
		ORDER BY version DESC
	`, ownerID, docType)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		var item DocumentVersion
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.CaseID, &item.DocType, &item.Version, &item.IsCurrent, &item.Status, &item.RejectionReason, &item.BlobKey, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// GetCurrentVersion returns the single current version of a chain, or nil
// when the chain is empty (or its current version was hard-deleted).
func (s *PostgresStore) GetCurrentVersion(ctx context.Context, ownerID, docType string) (*DocumentVersion, error) {
	var item DocumentVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, case_id, doc_type, version, is_current, status, COALESCE(rejection_reason, ''), blob_key, created_at, updated_at
		FROM document_versions
		WHERE owner_id=$1 AND doc_type=$2 AND is_current
	`, ownerID, docType).Scan(&item.ID, &item.OwnerID, &item.CaseID, &item.DocType, &item.Version, &item.IsCurrent, &item.Status, &item.RejectionReason, &item.BlobKey, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current version: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListAuditByVersion(ctx context.Context, versionID string) ([]AuditEntry, error) {
	return s.listAudit(ctx, `
		SELECT id, version_id, action, COALESCE(actor_id, ''), actor_name, actor_role, COALESCE(reason, ''), metadata, created_at
		FROM audit_entries
		WHERE version_id=$1
		ORDER BY created_at ASC, id ASC
	`, versionID)
}

// ListAuditByChain returns every audit entry across all versions sharing an
// (owner, docType) pair, in creation order.
func (s *PostgresStore) ListAuditByChain(ctx context.Context, ownerID, docType string) ([]AuditEntry, error) {
	return s.listAudit(ctx, `
		SELECT a.id, a.version_id, a.action, COALESCE(a.actor_id, ''), a.actor_name, a.actor_role, COALESCE(a.reason, ''), a.metadata, a.created_at
		FROM audit_entries a
		JOIN document_versions v ON v.id = a.version_id
		WHERE v.owner_id=$1 AND v.doc_type=$2
		ORDER BY a.created_at ASC, a.id ASC
	`, ownerID, docType)
}

func (s *PostgresStore) listAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var metadataRaw []byte
		if err := rows.Scan(&item.ID, &item.VersionID, &item.Action, &item.ActorID, &item.ActorName, &item.ActorRole, &item.Reason, &metadataRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

// CaseDocumentCurrents returns the current version of every chain attached to
// a case, with the owner's name and the latest audit timestamp, for the
// dashboard summary.
func (s *PostgresStore) CaseDocumentCurrents(ctx context.Context, caseID string) ([]CaseDocumentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.owner_id, u.display_name, v.doc_type, v.id, v.version, v.status,
			(SELECT MAX(a.created_at) FROM audit_entries a JOIN document_versions av ON av.id = a.version_id
			 WHERE av.owner_id = v.owner_id AND av.doc_type = v.doc_type)
		FROM document_versions v
		JOIN users u ON u.id = v.owner_id
		WHERE v.case_id=$1 AND v.is_current
		ORDER BY u.display_name ASC, v.doc_type ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("case document currents: %w", err)
	}
	defer rows.Close()

	items := make([]CaseDocumentStatus, 0)
	for rows.Next() {
		var item CaseDocumentStatus
		if err := rows.Scan(&item.OwnerID, &item.OwnerName, &item.DocType, &item.VersionID, &item.Version, &item.Status, &item.LastAuditAt); err != nil {
			return nil, fmt.Errorf("scan case document status: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case document statuses: %w", err)
	}
	return items, nil
}

// lockVersion reads one version row FOR UPDATE inside tx, returning
// sql.ErrNoRows when the id does not exist.
func lockVersion(ctx context.Context, tx *sql.Tx, versionID string) (DocumentVersion, error) {
	var item DocumentVersion
	err := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, case_id, doc_type, version, is_current, status, COALESCE(rejection_reason, ''), blob_key, created_at, updated_at
		FROM document_versions
		WHERE id=$1
		FOR UPDATE
	`, versionID).Scan(&item.ID, &item.OwnerID, &item.CaseID, &item.DocType, &item.Version, &item.IsCurrent, &item.Status, &item.RejectionReason, &item.BlobKey, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return DocumentVersion{}, err
	}
	return item, nil
}

// appendAudit records one lifecycle action inside the owning transaction so
// audit order always matches transition order.
func appendAudit(ctx context.Context, tx *sql.Tx, versionID string, action review.Action, actor AuditActor, reason string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	actorName := actor.Name
	actorRole := actor.Role
	if actor.ID == "" && actorName == "" {
		actorName = "system"
		actorRole = "system"
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (id, version_id, action, actor_id, actor_name, actor_role, reason, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8::jsonb)
	`, util.NewID("aud"), versionID, string(action), actor.ID, actorName, actorRole, reason, string(encoded))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
