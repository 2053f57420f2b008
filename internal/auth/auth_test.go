package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	s := New("test-secret", 30*time.Minute)
	token, err := s.Generate(42, "alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	userID, err := s.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d, want 42", userID)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := New("secret-a", time.Hour).Generate(1, "u")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New("secret-b", time.Hour).Validate(token); err == nil {
		t.Error("token signed with another secret accepted")
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	s := New("secret", -time.Minute)
	token, err := s.Generate(1, "u")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	s := New("secret", time.Hour)
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := s.Validate(token); err == nil {
			t.Errorf("garbage token %q accepted", token)
		}
	}
}

func TestPasswordHashing(t *testing.T) {
	s := New("secret", time.Hour)
	hash, err := s.HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.VerifyPassword("hunter2", hash); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := s.VerifyPassword("wrong", hash); err == nil {
		t.Error("wrong password accepted")
	}

	// Salting: two hashes of the same password differ.
	hash2, _ := s.HashPassword("hunter2")
	if hash == hash2 {
		t.Error("password hashes are not salted")
	}
}
