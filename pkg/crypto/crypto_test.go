package crypto

import (
	"regexp"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("secret123")
	if err != nil {
		t.Fatalf("HashPassword: unexpected error: %v", err)
	}

	ok, err := VerifyPassword(hash, "secret123")
	if err != nil || !ok {
		t.Fatalf("VerifyPassword(correct) = %v, %v; want true, nil", ok, err)
	}
	ok, err = VerifyPassword(hash, "wrong-password")
	if err != nil || ok {
		t.Fatalf("VerifyPassword(wrong) = %v, %v; want false, nil", ok, err)
	}
}

func TestHashPasswordSalted(t *testing.T) {
	a, _ := HashPassword("secret123")
	b, _ := HashPassword("secret123")
	if a == b {
		t.Fatalf("two hashes of the same password must differ")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	for _, encoded := range []string{"", "plain", "bcrypt$x$y$z$w", "argon2id$v=19$m=1,t=1,p=1$!!$AAAA"} {
		if _, err := VerifyPassword(encoded, "x"); err != ErrMalformedHash {
			t.Errorf("VerifyPassword(%q) error = %v, want %v", encoded, err, ErrMalformedHash)
		}
	}
}

func TestNewGroupID(t *testing.T) {
	re := regexp.MustCompile(`^GROUP_[0-9A-F]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewGroupID()
		if !re.MatchString(id) {
			t.Fatalf("NewGroupID() = %q, want GROUP_ + 8 hex digits", id)
		}
		seen[id] = true
	}
	if len(seen) < 99 {
		t.Fatalf("NewGroupID produced too many collisions: %d unique of 100", len(seen))
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	if NewSessionID() == NewSessionID() {
		t.Fatalf("session ids must be unique")
	}
}
