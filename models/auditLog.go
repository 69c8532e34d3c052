package models

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/sirupsen/logrus"
)

// AuditLog records who moved which document, when, and between which
// statuses. Rows are written asynchronously off the request path; losing an
// audit row under extreme load is acceptable, slowing a lifecycle step is
// not.
type AuditLog struct {
	ID            int            `gorm:"primary_key" json:"id"`
	BusinessId    string         `gorm:"index;not null" json:"business_id"`
	Action        string         `gorm:"size:20;not null" json:"action"`
	ReferenceId   int            `gorm:"index" json:"reference_id"`
	ReferenceType DocumentType   `gorm:"size:30;index" json:"reference_type"`
	FromStatus    DocumentStatus `gorm:"size:30" json:"from_status"`
	ToStatus      DocumentStatus `gorm:"size:30" json:"to_status"`
	Before        string         `gorm:"type:text" json:"before"`
	After         string         `gorm:"type:text" json:"after"`
	UserId        int            `gorm:"index" json:"user_id"`
	UserName      string         `gorm:"size:100" json:"user_name"`
	IpAddress     string         `gorm:"size:45" json:"ip_address"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// AuditRecorder buffers audit rows on a bounded channel and writes them on
// a background goroutine. Enqueue never blocks: when the buffer is full the
// entry is dropped and counted.
type AuditRecorder struct {
	queue   chan AuditLog
	dropped int64
	mu      sync.Mutex
	done    chan struct{}
}

func NewAuditRecorder(bufferSize int) *AuditRecorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &AuditRecorder{
		queue: make(chan AuditLog, bufferSize),
		done:  make(chan struct{}),
	}
}

// Enqueue hands an entry to the background writer without blocking.
func (r *AuditRecorder) Enqueue(entry AuditLog) {
	select {
	case r.queue <- entry:
	default:
		r.mu.Lock()
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		logger := config.GetLogger()
		logger.WithField("dropped_total", dropped).
			Warn("audit queue full, dropping entry")
	}
}

func (r *AuditRecorder) DroppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (r *AuditRecorder) Run(ctx context.Context) {
	defer close(r.done)
	logger := config.GetLogger()
	for {
		select {
		case entry := <-r.queue:
			r.write(entry, logger)
		case <-ctx.Done():
			for {
				select {
				case entry := <-r.queue:
					r.write(entry, logger)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (r *AuditRecorder) Wait() {
	<-r.done
}

func (r *AuditRecorder) write(entry AuditLog, logger *logrus.Logger) {
	db := config.GetDB()
	if err := db.Create(&entry).Error; err != nil {
		logger.WithField("reference_id", entry.ReferenceId).
			Error("failed to write audit log: ", err)
	}
}

var (
	auditRecorder     *AuditRecorder
	auditRecorderOnce sync.Once
)

// GetAuditRecorder returns the shared recorder, creating it on first use.
// The caller is responsible for starting Run.
func GetAuditRecorder() *AuditRecorder {
	auditRecorderOnce.Do(func() {
		auditRecorder = NewAuditRecorder(1024)
	})
	return auditRecorder
}

// auditEntryFromContext builds an entry carrying the caller's identity
// (business, user, client IP) alongside the document movement.
func auditEntryFromContext(ctx context.Context, action string, referenceId int, referenceType DocumentType, fromStatus DocumentStatus, toStatus DocumentStatus, before interface{}, after interface{}) AuditLog {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	ipAddress, _ := utils.GetIpAddressFromContext(ctx)

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	return AuditLog{
		BusinessId:    businessId,
		Action:        action,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		FromStatus:    fromStatus,
		ToStatus:      toStatus,
		Before:        string(b),
		After:         string(a),
		UserId:        userId,
		UserName:      userName,
		IpAddress:     ipAddress,
	}
}

// EnqueueAuditLog builds an entry from context identity and queues it. Call
// after the transaction commits so the log never references rolled-back
// state.
func EnqueueAuditLog(ctx context.Context, action string, referenceId int, referenceType DocumentType, fromStatus DocumentStatus, toStatus DocumentStatus, before interface{}, after interface{}) {
	GetAuditRecorder().Enqueue(auditEntryFromContext(ctx, action, referenceId, referenceType, fromStatus, toStatus, before, after))
}
