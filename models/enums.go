package models

// DocumentType tags one of the closed set of business document kinds.
// Each type carries its own transition table.
type DocumentType string

const (
	DocumentTypeRequisition   DocumentType = "requisition"
	DocumentTypeGoodsReceipt  DocumentType = "goods_receipt"
	DocumentTypeMaterialIssue DocumentType = "material_issue"
	DocumentTypeJobOrder      DocumentType = "job_order"
	DocumentTypeStockTransfer DocumentType = "stock_transfer"
	DocumentTypeGatePass      DocumentType = "gate_pass"
)

// DocumentStatus is an opaque status value scoped to a document type.
// No cross-type ordering is assumed; every reachable status appears as a
// key or value in that type's transition table.
type DocumentStatus string

const (
	StatusDraft      DocumentStatus = "draft"
	StatusPending    DocumentStatus = "pending"
	StatusApproved   DocumentStatus = "approved"
	StatusRejected   DocumentStatus = "rejected"
	StatusCancelled  DocumentStatus = "cancelled"
	StatusCompleted  DocumentStatus = "completed"
	StatusFulfilled  DocumentStatus = "fulfilled"
	StatusIssued     DocumentStatus = "issued"
	StatusInspecting DocumentStatus = "inspecting"
	StatusStored     DocumentStatus = "stored"
	StatusInProgress DocumentStatus = "in_progress"
	StatusInTransit  DocumentStatus = "in_transit"
	StatusReceived   DocumentStatus = "received"
	StatusClosed     DocumentStatus = "closed"

	// Requisition stock-check outcomes.
	StatusFromStock     DocumentStatus = "from_stock"
	StatusNeedsPurchase DocumentStatus = "needs_purchase"
)

// ReservationStatus tracks whether a document's lines currently hold
// ledger reservations.
type ReservationStatus string

const (
	ReservationStatusNone     ReservationStatus = "none"
	ReservationStatusReserved ReservationStatus = "reserved"
	ReservationStatusReleased ReservationStatus = "released"
)

// LineCoverage classifies a requisition line after a stock check.
type LineCoverage string

const (
	LineCoverageFromStock        LineCoverage = "from_stock"
	LineCoverageBoth             LineCoverage = "both"
	LineCoveragePurchaseRequired LineCoverage = "purchase_required"
)

// DocumentEventAction is the mutation kind carried on an outbox event row.
type DocumentEventAction string

const (
	DocumentEventActionCreate     DocumentEventAction = "C"
	DocumentEventActionTransition DocumentEventAction = "T"
	DocumentEventActionDelete     DocumentEventAction = "D"
)

// Outbox publish lifecycle (dispatcher-side).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Idempotency key states for event consumers.
type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// Audit action types.
const (
	AuditActionCreate     = "CREATE"
	AuditActionTransition = "TRANSITION"
	AuditActionDelete     = "DELETE"
)

// Module names for document number series.
const (
	ModuleRequisition       = "REQUISITION"
	ModuleGoodsReceipt      = "GOODS_RECEIPT"
	ModuleMaterialIssue     = "MATERIAL_ISSUE"
	ModuleJobOrder          = "JOB_ORDER"
	ModuleStockTransfer     = "STOCK_TRANSFER"
	ModuleGatePass          = "GATE_PASS"
	ModuleDeviationReport   = "DEVIATION_REPORT"
	ModuleInspectionRequest = "INSPECTION_REQUEST"
)
