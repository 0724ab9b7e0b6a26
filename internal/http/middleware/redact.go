package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

var (
	emailRE  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	bearerRE = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/\-]+=*`)
)

// Redactor scrubs request metadata before it reaches the logs. Bodies are
// never logged, so only the query string and headers need treatment.
type Redactor struct {
	headers map[string]struct{}
	params  map[string]struct{}
}

// NewRedactor masks Authorization, Cookie, Set-Cookie and X-API-Key plus any
// extra header names (case-insensitive). Query parameters whose names look
// like credentials are masked by name.
func NewRedactor(extraHeaders ...string) *Redactor {
	r := &Redactor{
		headers: map[string]struct{}{
			"authorization": {},
			"cookie":        {},
			"set-cookie":    {},
			"x-api-key":     {},
		},
		params: map[string]struct{}{
			"token":        {},
			"access_token": {},
			"api_key":      {},
			"secret":       {},
			"signature":    {},
			"password":     {},
		},
	}
	for _, h := range extraHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.headers[h] = struct{}{}
		}
	}
	return r
}

// Text removes e-mail addresses and bearer tokens from free text.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	s = bearerRE.ReplaceAllString(s, "Bearer "+redacted)
	return emailRE.ReplaceAllString(s, "[REDACTED:email]")
}

// Query returns rawQuery with credential-like parameters masked. Unparseable
// input falls back to free-text scrubbing.
func (r *Redactor) Query(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return r.Text(rawQuery)
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		_, secret := r.params[strings.ToLower(k)]
		for _, v := range vals[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			if secret {
				b.WriteString(redacted)
			} else {
				b.WriteString(r.Text(v))
			}
		}
	}
	return b.String()
}

// Headers flattens h with masked and scrubbed values.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.headers[strings.ToLower(k)]; ok {
			out[k] = redacted
			continue
		}
		out[k] = r.Text(strings.Join(vv, ", "))
	}
	return out
}
