package tenant

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"inboxflow/internal/domain"
)

// ErrUnknown is returned when no tenant owns the destination address.
var ErrUnknown = errors.New("unknown recipient")

// Lookup maps a mailbox prefix to a tenant id. Implementations return an
// error wrapping domain.ErrNotFound when the prefix is not registered.
type Lookup interface {
	ResolveTenantByAddressPrefix(ctx context.Context, prefix string) (string, error)
}

type Resolver struct {
	lookup Lookup
}

func NewResolver(l Lookup) *Resolver { return &Resolver{lookup: l} }

// Resolve returns the tenant id for a destination address.
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	prefix := Prefix(address)
	if prefix == "" {
		return "", ErrUnknown
	}
	id, err := r.lookup.ResolveTenantByAddressPrefix(ctx, prefix)
	if errors.Is(err, domain.ErrNotFound) {
		return "", ErrUnknown
	}
	return id, err
}

// Prefix extracts the mailbox prefix from an address: the lower-cased local
// part with any +tag removed. "Studio One <Studio1+web@in.example.com>" gives
// "studio1".
func Prefix(address string) string {
	addr := strings.TrimSpace(address)
	if a, err := mail.ParseAddress(addr); err == nil {
		addr = a.Address
	}
	local, _, _ := strings.Cut(addr, "@")
	local, _, _ = strings.Cut(local, "+")
	return strings.ToLower(strings.TrimSpace(local))
}
