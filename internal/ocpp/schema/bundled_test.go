package schema

import (
	"testing"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

func TestRegisterBundled_LoadsCoreActionsForEveryVersion(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBundled(r); err != nil {
		t.Fatalf("RegisterBundled: %v", err)
	}

	if !r.HasRequestSchema(domain.V16, "BootNotification") {
		t.Errorf("expected v16 BootNotification request schema to be registered")
	}
	if !r.HasRequestSchema(domain.V201, "TransactionEvent") {
		t.Errorf("expected v201 TransactionEvent request schema to be registered")
	}
	if !r.HasRequestSchema(domain.V21, "Heartbeat") {
		t.Errorf("expected v21 Heartbeat request schema to be registered")
	}
}

func TestRegisterBundled_TightenedSchemaRejectsExtraProperty(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBundled(r); err != nil {
		t.Fatalf("RegisterBundled: %v", err)
	}

	result := r.ValidateRequest(domain.V16, "Heartbeat", []byte(`{"unexpected":"field"}`))
	if result.Valid {
		t.Fatalf("expected tightened Heartbeat schema to reject unknown property")
	}
}

func TestRegisterBundled_DataTransferStaysUntightened(t *testing.T) {
	r := NewRegistry(nil)
	if err := RegisterBundled(r); err != nil {
		t.Fatalf("RegisterBundled: %v", err)
	}

	result := r.ValidateRequest(domain.V201, "DataTransfer", []byte(`{"vendorId":"X","anythingElse":{"nested":true}}`))
	if !result.Valid {
		t.Errorf("expected DataTransfer to remain exempt from tightening, errors: %v", result.Errors)
	}
}
