package auth

import (
	"errors"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	cases := []struct {
		password string
		want     error
	}{
		{"hunter22", nil},
		{"short1", ErrPasswordTooShort},
		{"12345678", ErrPasswordNoLetter},
		{"password", ErrPasswordNoDigit},
	}
	for _, c := range cases {
		if err := ValidatePassword(c.password); !errors.Is(err, c.want) {
			t.Errorf("ValidatePassword(%q) = %v, want %v", c.password, err, c.want)
		}
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "hunter22" {
		t.Fatal("password stored in clear")
	}
	if !CheckPassword(hash, "hunter22") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "hunter23") {
		t.Error("wrong password accepted")
	}
}
