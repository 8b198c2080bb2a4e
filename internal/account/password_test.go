package account

import "testing"

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("Str0ngP@ss!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "Str0ngP@ss!" {
		t.Fatal("hash must not equal the plaintext")
	}
	if err := VerifyPassword(hash, "Str0ngP@ss!"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}
