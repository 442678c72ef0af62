package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWT_GenerateAndValidate(t *testing.T) {
	j := NewJWT("my-secret-key")

	userID := int64(123)
	email := "test@example.com"

	token, err := j.Generate(userID, email)
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if token == "" {
		t.Fatal("Generate() returned empty token")
	}

	claims, err := j.Validate(token)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("Validate() got UserID %d, want %d", claims.UserID, userID)
	}
	if claims.Email != email {
		t.Errorf("Validate() got Email %s, want %s", claims.Email, email)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".aW52YWxpZC1zaWduYXR1cmU"
	if _, err := j.Validate(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() tampered signature: got %v, want %v", err, ErrInvalidSignature)
	}

	if _, err := j.Validate("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() invalid format: got %v, want %v", err, ErrInvalidToken)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	token, err := NewJWT("secret-a").Generate(1, "a@example.com")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if _, err := NewJWT("secret-b").Validate(token); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Validate() got %v, want %v", err, ErrInvalidSignature)
	}
}

func TestJWT_ExpiredToken(t *testing.T) {
	j := NewJWT("my-secret-key")
	j.now = func() time.Time { return time.Now().Add(-25 * time.Hour) }

	token, err := j.Generate(1, "expired@example.com")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}

	j.now = time.Now
	if _, err := j.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() expired token: got %v, want %v", err, ErrTokenExpired)
	}
}

func TestJWT_RejectsOtherAlgorithms(t *testing.T) {
	j := NewJWT("my-secret-key")
	claims := Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("my-secret-key"))
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}
	if _, err := j.Validate(token); err == nil {
		t.Error("Validate() accepted an HS512 token")
	}
}

func TestJWT_MissingUser(t *testing.T) {
	j := NewJWT("my-secret-key")
	token, err := j.Generate(0, "nobody@example.com")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	if _, err := j.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() got %v, want %v", err, ErrInvalidToken)
	}
}
