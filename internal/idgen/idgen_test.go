package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !IsUUID(a) {
		t.Fatalf("%q is not a uuid", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pay_")
	if !strings.HasPrefix(id, "pay_") || len(id) != len("pay_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestDigits(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := Digits(4)
		if len(code) != 4 {
			t.Fatalf("expected 4 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in %q", code)
			}
		}
	}
}
