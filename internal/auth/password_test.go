package auth

import "testing"

func TestHashPassword_RoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	ok, err := CheckPassword(hash, "hunter22")
	if err != nil || !ok {
		t.Errorf("CheckPassword(correct) = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = CheckPassword(hash, "hunter23")
	if err != nil || ok {
		t.Errorf("CheckPassword(wrong) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	if _, err := CheckPassword("not-a-bcrypt-hash", "x"); err == nil {
		t.Error("expected error for malformed hash")
	}
}
