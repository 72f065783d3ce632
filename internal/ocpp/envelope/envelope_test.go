package envelope

import "testing"

func TestParse_CallResult(t *testing.T) {
	f, err := Parse([]byte(`[3,"id-1",{"status":"Accepted"}]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Type != CallResult || f.UniqueID != "id-1" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestParse_MalformedCall_PreservesUniqueID(t *testing.T) {
	// Missing the 4th (payload) element.
	f, err := Parse([]byte(`[2,"id-2","BootNotification"]`))
	if err == nil {
		t.Fatal("expected an error for a malformed CALL")
	}
	if f == nil {
		t.Fatal("expected a partial frame preserving the uniqueId")
	}
	if f.Type != Call || f.UniqueID != "id-2" {
		t.Fatalf("unexpected partial frame: %+v", f)
	}
}

func TestParse_MalformedCall_NonStringAction(t *testing.T) {
	f, err := Parse([]byte(`[2,"id-3",42,{}]`))
	if err == nil {
		t.Fatal("expected an error for a non-string action")
	}
	if f == nil || f.UniqueID != "id-3" {
		t.Fatalf("expected a partial frame preserving the uniqueId, got %+v", f)
	}
}

func TestParse_NotAnArray_NoUniqueIDToPreserve(t *testing.T) {
	f, err := Parse([]byte(`{"not":"an array"}`))
	if err == nil {
		t.Fatal("expected an error")
	}
	if f != nil {
		t.Fatalf("expected nil frame when no uniqueId could be extracted, got %+v", f)
	}
}
