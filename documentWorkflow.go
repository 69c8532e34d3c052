package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/models"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"bitbucket.org/mmdatafocus/wms_backend/workflow"
)

var (
	businessMutexMap = make(map[string]*sync.Mutex)
	globalMutex      = &sync.Mutex{}
)

// RunDocumentWorkflow subscribes to the document event topic and reacts to
// committed lifecycle events. Currently it closes the loop between material
// issues and their source requisitions.
func RunDocumentWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.DocumentEventMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "documentWorkflow.go", "RunDocumentWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			return
		}

		// Get or create the mutex for the current BusinessId
		globalMutex.Lock()
		mutex, exists := businessMutexMap[m.BusinessId]
		if !exists {
			mutex = &sync.Mutex{}
			businessMutexMap[m.BusinessId] = mutex
		}
		globalMutex.Unlock()

		// Serialize per business within this instance.
		mutex.Lock()
		defer mutex.Unlock()

		ctx = utils.SetBusinessIdInContext(ctx, m.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := ProcessDocumentEvent(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "DocumentWorkflow",
				"business_id":    m.BusinessId,
				"reference_type": m.ReferenceType,
				"reference_id":   m.ReferenceId,
				"message_id":     msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	go func() {
		err := sub.Receive(ctx, callback)
		if err != nil {
			config.LogError(logger, "documentWorkflow.go", "RunDocumentWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}

// ProcessDocumentEvent dispatches one committed event to its handler behind
// a DB-backed idempotency key. The handler runs in its own transaction, so
// the STARTED row is committed first and resolved after the handler returns.
func ProcessDocumentEvent(ctx context.Context, logger *logrus.Logger, m config.DocumentEventMessage) error {
	db := config.GetDB()
	handlerName := m.ReferenceType + "." + m.Action
	messageId := strconv.Itoa(m.ID)

	skip, err := workflow.BeginIdempotency(db.WithContext(ctx), m.BusinessId, handlerName, messageId)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	if err := handleDocumentEvent(ctx, logger, m); err != nil {
		_ = workflow.MarkIdempotencyFailed(db.WithContext(ctx), m.BusinessId, handlerName, messageId, err)
		return err
	}
	return workflow.MarkIdempotencySucceeded(db.WithContext(ctx), m.BusinessId, handlerName, messageId)
}

func handleDocumentEvent(ctx context.Context, logger *logrus.Logger, m config.DocumentEventMessage) error {
	if m.ReferenceType != string(models.DocumentTypeMaterialIssue) ||
		m.Action != string(models.DocumentEventActionTransition) {
		return nil
	}

	var issue models.MaterialIssue
	if err := json.Unmarshal(m.NewObj, &issue); err != nil {
		return err
	}
	if issue.CurrentStatus != models.StatusCompleted || issue.RequisitionId == nil {
		return nil
	}

	// A requisition only auto-fulfills when the whole demand was covered
	// from stock; partially covered ones wait on their purchase side.
	requisition, err := models.GetRequisition(ctx, *issue.RequisitionId)
	if err != nil {
		if utils.IsNotFound(err) {
			return nil
		}
		return err
	}
	if requisition.CurrentStatus != models.StatusFromStock {
		return nil
	}

	if _, err := models.FulfillRequisition(ctx, requisition.ID); err != nil {
		// A concurrent fulfill or cancel already moved it; nothing to redo.
		if utils.IsInvalidTransition(err) {
			return nil
		}
		return err
	}

	logger.WithFields(logrus.Fields{
		"field":             "DocumentWorkflow",
		"business_id":       m.BusinessId,
		"material_issue_id": issue.ID,
		"requisition_id":    requisition.ID,
	}).Info("requisition fulfilled from completed material issue")
	return nil
}
