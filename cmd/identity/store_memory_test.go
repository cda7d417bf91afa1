package identity

import (
	"context"
	"testing"
)

func TestMemoryStore_GetByEmail_Normalizes(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(User{ID: 7, FirstName: "Ana", LastName: "Reyes", Email: " Ana@Example.com ", Role: RoleUser})

	u, err := s.GetByEmail(context.Background(), "ANA@example.COM")
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if u.ID != 7 {
		t.Fatalf("GetByEmail id=%d want=7", u.ID)
	}
	if got := u.DisplayName(); got != "Ana Reyes" {
		t.Fatalf("DisplayName()=%q want=%q", got, "Ana Reyes")
	}

	if _, err := s.GetByEmail(context.Background(), "nobody@example.com"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetByEmail(context.Background(), "   "); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMemoryStore_UpdatePasswordHash(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(User{ID: 1, Email: "a@b.co"})

	if err := s.UpdatePasswordHash(context.Background(), 1, "$argon2id$x"); err != nil {
		t.Fatalf("UpdatePasswordHash: %v", err)
	}
	if h, ok := s.PasswordHash(1); !ok || h != "$argon2id$x" {
		t.Fatalf("PasswordHash=(%q,%v)", h, ok)
	}
	if err := s.UpdatePasswordHash(context.Background(), 2, "$argon2id$x"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUser_DisplayName_FallsBackToEmail(t *testing.T) {
	t.Parallel()

	u := User{Email: "owner@example.com"}
	if got := u.DisplayName(); got != "owner@example.com" {
		t.Fatalf("DisplayName()=%q want=%q", got, "owner@example.com")
	}
}

func TestValidEmail(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{in: "a@b.co", want: true},
		{in: "  owner@pawfect.care ", want: true},
		{in: "no-at-sign.com", want: false},
		{in: "a@b", want: false},
		{in: "a b@c.d", want: false},
		{in: "", want: false},
	}
	for _, tc := range cases {
		if got := ValidEmail(tc.in); got != tc.want {
			t.Fatalf("ValidEmail(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}
