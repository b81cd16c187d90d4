package principal

import "context"

// Provider — порт к внешнему identity provider. Ядро дергает его только
// на границах: redeem, revoke, expiry.
type Provider interface {
	CreateEphemeralPrincipal(ctx context.Context, username, role string) (string, error)
	DeletePrincipal(ctx context.Context, principalID string) error
	PrincipalExists(ctx context.Context, principalID string) (bool, error)
}
