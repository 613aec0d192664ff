package anon

import (
	"encoding/json"
	"testing"
)

func TestInit_EmptyName_Error(t *testing.T) {
	a := &authenticator{}
	err := a.Init(nil, "")
	if err == nil || err.Error() != "auth_anonymous: authenticator name cannot be blank" {
		t.Errorf("Expected error 'auth_anonymous: authenticator name cannot be blank', got %v", err)
	}
}

func TestAuthenticate_Defaults(t *testing.T) {
	a := &authenticator{}
	if _, _, err := a.Authenticate(nil); err == nil {
		t.Error("Uninitialized authenticator must fail")
	}
	if err := a.Init(nil, "anon"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	user, expires, err := a.Authenticate([]byte("whatever"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if user.Uid != defaultUid || user.Principal != defaultPrincipal {
		t.Errorf("Expected default user, got %+v", user)
	}
	if !expires.IsZero() {
		t.Errorf("Expected no expiration, got %v", expires)
	}
}

func TestAuthenticate_Configured(t *testing.T) {
	a := &authenticator{}
	conf := json.RawMessage(`{"uid": 7, "principal": "davidben@ATHENA.MIT.EDU"}`)
	if err := a.Init(conf, "anon"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	user, _, _ := a.Authenticate(nil)
	if user.Uid != 7 || user.Principal != "davidben@ATHENA.MIT.EDU" {
		t.Errorf("Unexpected user %+v", user)
	}
	// Callers can't modify the configured user.
	user.Uid = 8
	again, _, _ := a.Authenticate(nil)
	if again.Uid != 7 {
		t.Error("Configured user was modified")
	}
}
