package models_test

import (
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/wms_backend/models"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
)

func TestTransitionTablesAreClosed(t *testing.T) {
	rules := models.DefaultTransitionRules()

	for _, docType := range rules.DocumentTypes() {
		known := make(map[models.DocumentStatus]bool)
		for _, s := range rules.KnownStatuses(docType) {
			known[s] = true
		}
		for _, from := range rules.KnownStatuses(docType) {
			for _, to := range rules.NextStatuses(docType, from) {
				if !known[to] {
					t.Errorf("%s: %s -> %s points at a status with no table entry", docType, from, to)
				}
			}
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	rules := models.DefaultTransitionRules()

	for _, docType := range rules.DocumentTypes() {
		for _, status := range rules.KnownStatuses(docType) {
			terminal := rules.IsTerminal(docType, status)
			exits := len(rules.NextStatuses(docType, status))
			if terminal && exits != 0 {
				t.Errorf("%s: %s is terminal but has %d outgoing edges", docType, status, exits)
			}
			if !terminal && exits == 0 {
				t.Errorf("%s: %s has no outgoing edges but is not terminal", docType, status)
			}
		}
	}

	// Spot-check the expected dead ends.
	for docType, status := range map[models.DocumentType]models.DocumentStatus{
		models.DocumentTypeRequisition:   models.StatusFulfilled,
		models.DocumentTypeMaterialIssue: models.StatusCompleted,
		models.DocumentTypeGoodsReceipt:  models.StatusCompleted,
		models.DocumentTypeJobOrder:      models.StatusCompleted,
		models.DocumentTypeStockTransfer: models.StatusReceived,
		models.DocumentTypeGatePass:      models.StatusClosed,
	} {
		if !rules.IsTerminal(docType, status) {
			t.Errorf("%s: expected %s to be terminal", docType, status)
		}
		if !rules.IsTerminal(docType, models.StatusCancelled) {
			t.Errorf("%s: expected cancelled to be terminal", docType)
		}
	}
}

func TestRejectedIsTheOnlyBackwardEdge(t *testing.T) {
	rules := models.DefaultTransitionRules()

	for _, docType := range rules.DocumentTypes() {
		for _, from := range rules.KnownStatuses(docType) {
			for _, to := range rules.NextStatuses(docType, from) {
				if to == models.StatusDraft && from != models.StatusRejected {
					t.Errorf("%s: unexpected backward edge %s -> draft", docType, from)
				}
			}
		}
		if !rules.CanTransition(docType, models.StatusRejected, models.StatusDraft) {
			// Gate passes are born pending and have no draft or rejected status.
			if docType == models.DocumentTypeGatePass {
				continue
			}
			t.Errorf("%s: rejected -> draft should be legal", docType)
		}
	}
}

func TestUnknownTypeAndStatusFailClosed(t *testing.T) {
	rules := models.DefaultTransitionRules()

	if rules.CanTransition("purchase_order", models.StatusDraft, models.StatusPending) {
		t.Error("unknown document type should never transition")
	}
	if rules.CanTransition(models.DocumentTypeRequisition, "archived", models.StatusPending) {
		t.Error("unknown from-status should never transition")
	}
	if rules.IsTerminal("purchase_order", models.StatusDraft) {
		t.Error("unknown document type should not report terminal statuses")
	}
	if got := rules.NextStatuses(models.DocumentTypeRequisition, "archived"); got != nil {
		t.Errorf("unknown status should yield nil next statuses, got %v", got)
	}

	err := rules.AssertTransition("purchase_order", models.StatusDraft, models.StatusPending)
	if err == nil {
		t.Fatal("expected error for unknown document type")
	}
	if !utils.IsInvalidTransition(err) {
		t.Errorf("expected InvalidTransitionError, got %T", err)
	}
}

func TestAssertTransitionErrorNamesTheAlternatives(t *testing.T) {
	rules := models.DefaultTransitionRules()

	err := rules.AssertTransition(models.DocumentTypeRequisition, models.StatusPending, models.StatusFulfilled)
	if err == nil {
		t.Fatal("pending -> fulfilled should be illegal for requisitions")
	}
	msg := err.Error()
	for _, want := range []string{"approved", "rejected", "cancelled"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should list %q as a legal next status: %s", want, msg)
		}
	}

	err = rules.AssertTransition(models.DocumentTypeRequisition, models.StatusFulfilled, models.StatusDraft)
	if err == nil {
		t.Fatal("fulfilled is terminal; transition should fail")
	}
	if !strings.Contains(err.Error(), "terminal") {
		t.Errorf("error should name the terminal status: %s", err.Error())
	}
}

func TestGatePassIsBornPending(t *testing.T) {
	rules := models.DefaultTransitionRules()

	for _, status := range rules.KnownStatuses(models.DocumentTypeGatePass) {
		if status == models.StatusDraft {
			t.Error("gate passes should have no draft status")
		}
	}
	if !rules.CanTransition(models.DocumentTypeGatePass, models.StatusPending, models.StatusApproved) {
		t.Error("gate pass pending -> approved should be legal")
	}
	if !rules.CanTransition(models.DocumentTypeGatePass, models.StatusApproved, models.StatusClosed) {
		t.Error("gate pass approved -> closed should be legal")
	}
}

func TestNewTransitionRulesCopiesTables(t *testing.T) {
	table := map[models.DocumentType]map[models.DocumentStatus][]models.DocumentStatus{
		models.DocumentTypeRequisition: {
			models.StatusDraft:   {models.StatusPending},
			models.StatusPending: {},
		},
	}
	rules := models.NewTransitionRules(table)

	// Mutating the source maps after construction must not leak into the
	// frozen rule set.
	table[models.DocumentTypeRequisition][models.StatusDraft][0] = models.StatusCancelled
	table[models.DocumentTypeRequisition][models.StatusFulfilled] = []models.DocumentStatus{models.StatusDraft}

	if !rules.CanTransition(models.DocumentTypeRequisition, models.StatusDraft, models.StatusPending) {
		t.Error("draft -> pending should still be legal after source mutation")
	}
	if rules.CanTransition(models.DocumentTypeRequisition, models.StatusDraft, models.StatusCancelled) {
		t.Error("source mutation leaked into the frozen rule set")
	}
	if rules.CanTransition(models.DocumentTypeRequisition, models.StatusFulfilled, models.StatusDraft) {
		t.Error("new source entries leaked into the frozen rule set")
	}
}
