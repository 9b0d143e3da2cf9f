package sanitize

import (
	"strings"
	"testing"

	"github.com/odvcencio/warden/pkg/errors"
)

func TestTokenAccepts(t *testing.T) {
	s := New(256)

	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.1", "192.168.1.1"},
		{"-sS", "-sS"},
		{"  scanme.example.com  ", "scanme.example.com"},
		{"80-443", "80-443"},
		{"https://example.com/path", "https://example.com/path"},
		{"10.0.0.0/24", "10.0.0.0/24"},
		{"key=value", "key=value"},
		{"user@host", "user@host"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := s.Token(tt.in)
			if err != nil {
				t.Fatalf("Token(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Token(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTokenRejects(t *testing.T) {
	s := New(256)

	rejects := []string{
		"",
		"   ",
		"; rm -rf /",
		"$(whoami)",
		"`id`",
		"a|b",
		"a&b",
		"a>b",
		"a<b",
		"a;b",
		"arg with space",
		"quote\"inside",
		"single'quote",
		"paren(here)",
		"brace{here}",
	}

	for _, in := range rejects {
		t.Run(in, func(t *testing.T) {
			if _, err := s.Token(in); err == nil {
				t.Errorf("Token(%q) should be rejected", in)
			} else if !errors.IsCode(err, errors.ErrCodeInvalidCommand) {
				t.Errorf("Token(%q) code = %v, want INVALID_COMMAND", in, errors.GetCode(err))
			}
		})
	}
}

func TestTokenLengthBound(t *testing.T) {
	s := New(16)

	if _, err := s.Token(strings.Repeat("a", 16)); err != nil {
		t.Errorf("token at bound should pass: %v", err)
	}
	if _, err := s.Token(strings.Repeat("a", 17)); err == nil {
		t.Error("token over bound should fail")
	}

	// Zero disables the bound.
	unlimited := New(0)
	if _, err := unlimited.Token(strings.Repeat("a", 4096)); err != nil {
		t.Errorf("unbounded sanitizer rejected long token: %v", err)
	}
}

func TestTokensFailsFast(t *testing.T) {
	s := New(256)

	out, err := s.Tokens([]string{"-sS", "192.168.1.1", "; rm -rf /"})
	if err == nil {
		t.Fatal("Tokens should fail on injection token")
	}
	if out != nil {
		t.Error("Tokens should return nil vector on failure")
	}

	clean, err := s.Tokens([]string{"-sS", "192.168.1.1"})
	if err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if len(clean) != 2 {
		t.Errorf("len = %d, want 2", len(clean))
	}
}
