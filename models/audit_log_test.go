package models

import (
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/wms_backend/utils"
)

func TestAuditEntryCarriesCallerIdentity(t *testing.T) {
	ctx := context.Background()
	ctx = utils.SetBusinessIdInContext(ctx, "biz-1")
	ctx = utils.SetUserIdInContext(ctx, 42)
	ctx = utils.SetUserNameInContext(ctx, "Storekeeper")
	ctx = utils.SetIpAddressInContext(ctx, "10.1.2.3")

	entry := auditEntryFromContext(ctx, AuditActionTransition, 7, DocumentTypeRequisition,
		StatusPending, StatusApproved, map[string]string{"k": "old"}, map[string]string{"k": "new"})

	if entry.BusinessId != "biz-1" {
		t.Errorf("BusinessId = %q, want biz-1", entry.BusinessId)
	}
	if entry.UserId != 42 || entry.UserName != "Storekeeper" {
		t.Errorf("user = %d/%q, want 42/Storekeeper", entry.UserId, entry.UserName)
	}
	if entry.IpAddress != "10.1.2.3" {
		t.Errorf("IpAddress = %q, want 10.1.2.3", entry.IpAddress)
	}
	if entry.FromStatus != StatusPending || entry.ToStatus != StatusApproved {
		t.Errorf("statuses = %s -> %s, want pending -> approved", entry.FromStatus, entry.ToStatus)
	}
	if entry.Before != `{"k":"old"}` || entry.After != `{"k":"new"}` {
		t.Errorf("snapshots = %q / %q", entry.Before, entry.After)
	}
}

func TestAuditEntryWithoutIdentityStaysEmpty(t *testing.T) {
	entry := auditEntryFromContext(context.Background(), AuditActionCreate, 1, DocumentTypeGatePass,
		"", StatusPending, nil, nil)

	if entry.BusinessId != "" || entry.UserId != 0 || entry.IpAddress != "" {
		t.Errorf("anonymous context leaked identity: %+v", entry)
	}
}
