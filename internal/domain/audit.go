package domain

import "time"

// Audit actions emitted by the workers.
const (
	AuditInterestAccrued         = "interest_accrued"
	AuditInterestBatchCompleted  = "interest_batch_completed"
	AuditDepositConverted        = "deposit_converted"
	AuditDepositConversionFailed = "deposit_conversion_failed"
)

// SystemActor identifies this service as the actor of automated changes.
const SystemActor = "system:jobs-service"

// AuditRecord is published to the audit sink after a committed change.
type AuditRecord struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}
