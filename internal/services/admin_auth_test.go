package services

import "testing"

func TestAdminAuthVerify(t *testing.T) {
	a, err := NewAdminAuth("  s3cret ")
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	if !a.Enabled() {
		t.Fatalf("expected admin access enabled")
	}
	if err := a.Verify("s3cret"); err != nil {
		t.Fatalf("valid secret rejected: %v", err)
	}
	if err := a.Verify(""); !IsCode(err, ErrorUnauthorized) {
		t.Fatalf("empty secret: got %v, want unauthorized", err)
	}
	if err := a.Verify("wrong"); !IsCode(err, ErrorForbidden) {
		t.Fatalf("wrong secret: got %v, want forbidden", err)
	}
}

func TestAdminAuthDisabled(t *testing.T) {
	a, err := NewAdminAuth("")
	if err != nil {
		t.Fatalf("NewAdminAuth: %v", err)
	}
	if a.Enabled() {
		t.Fatalf("empty secret must disable admin access")
	}
	if err := a.Verify("anything"); !IsCode(err, ErrorForbidden) {
		t.Fatalf("disabled: got %v, want forbidden", err)
	}
}
