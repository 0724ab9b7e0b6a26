package middleware

import (
	"net/http"
	"testing"
)

func TestRedactor_Query(t *testing.T) {
	r := NewRedactor()
	got := r.Query("page=2&Signature=abc&q=jo%40example.com")
	want := "Signature=[REDACTED]&page=2&q=[REDACTED:email]"
	if got != want {
		t.Fatalf("Query() = %q; want %q", got, want)
	}
	if r.Query("") != "" {
		t.Fatalf("empty query should stay empty")
	}
	if got := r.Query("bad=%zz&mail=x@y.org"); got != "bad=%zz&mail=[REDACTED:email]" {
		t.Fatalf("unparseable query fallback = %q", got)
	}
}

func TestRedactor_Headers(t *testing.T) {
	r := NewRedactor(" X-Tenant-Secret ")
	h := http.Header{}
	h.Set("Cookie", "sid=1")
	h.Set("X-Tenant-Secret", "t")
	h.Set("X-Api-Key", "k")
	h.Set("X-Forwarded-For", "203.0.113.1")
	h.Set("From", "ops@example.com")

	got := r.Headers(h)
	for _, k := range []string{"Cookie", "X-Tenant-Secret", "X-Api-Key"} {
		if got[k] != redacted {
			t.Fatalf("%s not masked: %q", k, got[k])
		}
	}
	if got["X-Forwarded-For"] != "203.0.113.1" || got["From"] != "[REDACTED:email]" {
		t.Fatalf("unexpected scrub: %#v", got)
	}
}

func TestRedactor_TextBearer(t *testing.T) {
	if got := NewRedactor().Text("auth bearer eyJhbGci.x-y_z"); got != "auth Bearer [REDACTED]" {
		t.Fatalf("Text() = %q", got)
	}
}
