package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PublishDocumentEvent writes an outbox record inside the caller's
// transaction. Nothing is sent to Pub/Sub here; the dispatcher picks the
// record up after commit, so a rolled-back lifecycle step never leaks an
// event.
func PublishDocumentEvent(ctx context.Context, tx *gorm.DB, businessId string, occurredAt time.Time, refId int, refType DocumentType, obj interface{}, oldObj interface{}, action DocumentEventAction) error {
	var newObjInByte []byte
	var oldObjInByte []byte
	var err error

	if action == DocumentEventActionCreate || action == DocumentEventActionTransition {
		newObjInByte, err = json.Marshal(obj)
		if err != nil {
			return err
		}
	}
	if action == DocumentEventActionTransition || action == DocumentEventActionDelete {
		oldObjInByte, err = json.Marshal(oldObj)
		if err != nil {
			return err
		}
	}

	record := EventRecord{
		BusinessId:    businessId,
		OccurredAt:    occurredAt,
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		NewObj:        newObjInByte,
		OldObj:        oldObjInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
