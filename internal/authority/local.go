package authority

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleethub/fleethub/internal/agentstore"
)

// StaticAuthority verifies operator tokens as HMAC-signed JWTs against a
// fixed shared secret instead of discovering an OIDC issuer. It exists for
// local development and tests, where standing up a real identity provider
// is impractical; production deployments use OIDCAuthority.
type StaticAuthority struct {
	secret []byte
	agents *agentstore.Store
}

// NewStaticAuthority builds a StaticAuthority keyed on secret.
func NewStaticAuthority(secret string, agents *agentstore.Store) *StaticAuthority {
	return &StaticAuthority{secret: []byte(secret), agents: agents}
}

type staticClaims struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// VerifyOperatorToken validates rawToken's HMAC signature and expiry.
func (a *StaticAuthority) VerifyOperatorToken(ctx context.Context, rawToken string) (OperatorIdentity, error) {
	var claims staticClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authority: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return OperatorIdentity{}, fmt.Errorf("authority: verify token: %w", err)
	}
	return OperatorIdentity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Groups:  claims.Groups,
	}, nil
}

// VerifyAgentSecret delegates to the Agent record store's bcrypt compare.
func (a *StaticAuthority) VerifyAgentSecret(ctx context.Context, agentID, secret string) error {
	return a.agents.VerifySecret(ctx, agentID, secret)
}
