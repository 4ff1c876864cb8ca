// Package correlation carries the relay connection id through contexts so
// log lines and spans from one websocket connection can be tied together.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength caps ids accepted from clients.
const MaxIDLength = 64

// Header is the request header a client may use to suggest its own id.
const Header = "X-Correlation-Id"

type contextKey struct{}

// With returns ctx carrying id. Invalid ids are ignored.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the id stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new sortable id.
func Generate() string {
	return xid.New().String()
}

// FromHeader returns the client-suggested id when valid, else a new one.
func FromHeader(value string) string {
	if id, ok := Normalize(value); ok {
		return id
	}
	return Generate()
}
