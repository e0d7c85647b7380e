package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditRecorder records relay audit events. The nil/zero recorder discards
// everything, so audit logging stays optional.
type AuditRecorder interface {
	Record(ctx context.Context, entry *AuditEntry) error
}

// AuditEntry represents one relay audit event.
type AuditEntry struct {
	SessionID    *uuid.UUID             `json:"session_id,omitempty"`
	Owner        string                 `json:"owner,omitempty"`
	Contract     string                 `json:"contract,omitempty"`
	Action       string                 `json:"action"`
	Operation    string                 `json:"operation,omitempty"`
	TxHash       *string                `json:"tx_hash,omitempty"`
	ErrorCode    *string                `json:"error_code,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ClientIP     string                 `json:"client_ip,omitempty"`
}

// AuditRepo persists audit events to Postgres.
type AuditRepo struct {
	db DBTX
}

// NewAuditRepo creates a new audit repository
func NewAuditRepo(db DBTX) *AuditRepo {
	return &AuditRepo{db: db}
}

// Record inserts one audit event.
func (r *AuditRepo) Record(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	var err error
	if entry.Metadata != nil {
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return err
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO relay_audit_logs (
			session_id, owner_address, contract_address, action, operation,
			tx_hash, error_code, error_message, metadata, client_ip, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		entry.SessionID,
		entry.Owner,
		entry.Contract,
		entry.Action,
		entry.Operation,
		entry.TxHash,
		entry.ErrorCode,
		entry.ErrorMessage,
		metadataJSON,
		entry.ClientIP,
		time.Now(),
	)
	return err
}

// NoopAuditRecorder discards audit events. Used when no database is
// configured.
type NoopAuditRecorder struct{}

func (NoopAuditRecorder) Record(ctx context.Context, entry *AuditEntry) error {
	return nil
}

// Audit action constants
const (
	AuditActionSessionOpened        = "session_opened"
	AuditActionSessionClosed        = "session_closed"
	AuditActionSessionExpired       = "session_expired"
	AuditActionChallengeIssued      = "challenge_issued"
	AuditActionChallengeCompleted   = "challenge_completed"
	AuditActionChallengeFailed      = "challenge_failed"
	AuditActionReadExecuted         = "read_executed"
	AuditActionReadFailed           = "read_failed"
	AuditActionMutateExecuted       = "mutate_executed"
	AuditActionMutatePrepared       = "mutate_prepared"
	AuditActionMutateFailed         = "mutate_failed"
	AuditActionSignatureRejected    = "signature_rejected"
	AuditActionNonceRejected        = "nonce_rejected"
	AuditActionRateLimitExceeded    = "rate_limit_exceeded"
	AuditActionAuthenticationFailed = "authentication_failed"
)
