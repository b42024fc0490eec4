package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsUUID(t *testing.T) {
	id := NewID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("NewID() = %q is not a uuid: %v", id, err)
	}
	if NewID() == id {
		t.Fatal("NewID returned the same value twice")
	}
}

func TestNewTokenPrefix(t *testing.T) {
	token := NewToken("rft")
	if !strings.HasPrefix(token, "rft_") {
		t.Fatalf("NewToken(rft) = %q, want rft_ prefix", token)
	}
	if len(NewToken("")) != 32 {
		t.Fatalf("unprefixed token should be 32 hex chars")
	}
}
