package schema

import (
	"testing"

	"github.com/seu-repo/ocpp-gateway/internal/domain"
)

const bootNotificationSchema = `{
  "type": "object",
  "properties": {
    "chargePointVendor": {"type": "string"},
    "chargePointModel": {"type": "string"}
  },
  "required": ["chargePointVendor", "chargePointModel"]
}`

func TestValidateRequest_UnknownActionMissingSchema(t *testing.T) {
	r := NewRegistry(nil)
	result := r.ValidateRequest(domain.V16, "NeverRegistered", []byte(`{}`))
	if result.Valid {
		t.Fatalf("expected invalid for unknown action")
	}
	if len(result.Errors) != 1 || result.Errors[0] != "schema_missing" {
		t.Errorf("expected schema_missing error, got %v", result.Errors)
	}
}

func TestValidateRequest_TighteningRejectsExtraProperties(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(domain.V16, "BootNotification", true, []byte(bootNotificationSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}

	valid := r.ValidateRequest(domain.V16, "BootNotification", []byte(`{"chargePointVendor":"E","chargePointModel":"M"}`))
	if !valid.Valid {
		t.Fatalf("expected valid payload to pass, errors: %v", valid.Errors)
	}

	withExtra := r.ValidateRequest(domain.V16, "BootNotification", []byte(`{"chargePointVendor":"E","chargePointModel":"M","extra":"nope"}`))
	if withExtra.Valid {
		t.Fatalf("expected tightened schema to reject unlisted property")
	}
}

func TestValidateRequest_MissingRequiredField(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(domain.V16, "BootNotification", true, []byte(bootNotificationSchema)); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := r.ValidateRequest(domain.V16, "BootNotification", []byte(`{"chargePointVendor":"E"}`))
	if result.Valid {
		t.Fatalf("expected missing chargePointModel to fail validation")
	}
}

func TestRegister_DataTransferIsExemptFromTightening(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(domain.V16, "DataTransfer", true, []byte(`{"type":"object","properties":{"vendorId":{"type":"string"}}}`)); err != nil {
		t.Fatalf("register: %v", err)
	}

	result := r.ValidateRequest(domain.V16, "DataTransfer", []byte(`{"vendorId":"X","data":"anything"}`))
	if !result.Valid {
		t.Errorf("DataTransfer must remain untightened by default allow-list, errors: %v", result.Errors)
	}
}

func TestNormalizeVersion(t *testing.T) {
	cases := map[string]domain.OCPPVersion{
		"1.6":     domain.V16,
		"1.6j":    domain.V16,
		"2.0.1":   domain.V201,
		"2.1":     domain.V21,
	}
	for raw, want := range cases {
		got, ok := NormalizeVersion(raw)
		if !ok || got != want {
			t.Errorf("NormalizeVersion(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if _, ok := NormalizeVersion("3.0"); ok {
		t.Errorf("expected unsupported version to be rejected")
	}
}
