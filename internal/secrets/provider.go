// Package secrets models the external secret/key-management collaborator as a
// synchronous lookup. The pipeline uses it for the postgres DSN, the notifier
// signing key, and the RabbitMQ URL.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
	"unicode"
)

// ErrNotFound is returned when no secret exists for an id.
var ErrNotFound = errors.New("secret not found")

// Provider resolves secret ids such as "notifier/signing-key" to values.
type Provider interface {
	GetSecret(ctx context.Context, id string) (string, error)
}

// EnvProvider reads secrets from environment variables. The id is upper-cased,
// every non-alphanumeric rune becomes '_', and Prefix is prepended:
// "notifier/signing-key" -> SECRET_NOTIFIER_SIGNING_KEY.
type EnvProvider struct {
	Prefix string
}

// EnvKey returns the variable name consulted for id.
func (p EnvProvider) EnvKey(id string) string {
	var b strings.Builder
	b.WriteString(p.Prefix)
	for _, r := range strings.TrimSpace(id) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// GetSecret implements Provider.
func (p EnvProvider) GetSecret(_ context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrNotFound
	}
	v, ok := os.LookupEnv(p.EnvKey(id))
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Static is an in-memory Provider, handy for tests and local runs.
type Static map[string]string

// GetSecret implements Provider.
func (s Static) GetSecret(_ context.Context, id string) (string, error) {
	v, ok := s[id]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Optional resolves id and maps ErrNotFound to "". Other errors are returned.
// An empty id yields "" without a lookup.
func Optional(ctx context.Context, p Provider, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", nil
	}
	v, err := p.GetSecret(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
