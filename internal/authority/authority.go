// Package authority is the consumer-side client of the external Auth
// Authority (spec §1, §4's non-goal boundary: credential issuance, user
// login, and role mapping live outside this repository). It only
// verifies tokens and agent secrets against state that authority owns.
package authority

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fleethub/fleethub/internal/agentstore"
)

// OperatorIdentity is the verified claims of an operator's bearer token.
type OperatorIdentity struct {
	Subject string
	Email   string
	Groups  []string
}

// Authority verifies operator bearer tokens and agent connection secrets.
type Authority interface {
	VerifyOperatorToken(ctx context.Context, rawToken string) (OperatorIdentity, error)
	VerifyAgentSecret(ctx context.Context, agentID, secret string) error
}

// OIDCAuthority verifies operator tokens against an external OIDC issuer
// and agent secrets against the local Agent record store.
type OIDCAuthority struct {
	verifier *oidc.IDTokenVerifier
	agents   *agentstore.Store
}

// NewOIDCAuthority discovers issuer's OIDC configuration and constructs an
// Authority that checks tokens were issued for audience clientID.
func NewOIDCAuthority(ctx context.Context, issuer, clientID string, agents *agentstore.Store) (*OIDCAuthority, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("authority: discover issuer %s: %w", issuer, err)
	}
	return &OIDCAuthority{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		agents:   agents,
	}, nil
}

// VerifyOperatorToken validates rawToken's signature, issuer, audience,
// and expiry, then extracts the standard claims the server needs.
func (a *OIDCAuthority) VerifyOperatorToken(ctx context.Context, rawToken string) (OperatorIdentity, error) {
	idToken, err := a.verifier.Verify(ctx, rawToken)
	if err != nil {
		return OperatorIdentity{}, fmt.Errorf("authority: verify token: %w", err)
	}
	var claims struct {
		Email  string   `json:"email"`
		Groups []string `json:"groups"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return OperatorIdentity{}, fmt.Errorf("authority: parse claims: %w", err)
	}
	return OperatorIdentity{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Groups:  claims.Groups,
	}, nil
}

// VerifyAgentSecret delegates to the Agent record store's bcrypt compare.
func (a *OIDCAuthority) VerifyAgentSecret(ctx context.Context, agentID, secret string) error {
	return a.agents.VerifySecret(ctx, agentID, secret)
}

// StaticTokenSource is a convenience for the agent side, which only ever
// presents its own bcrypt-verified secret and never participates in the
// OIDC flow; kept here so callers have one place to build an
// oauth2.TokenSource if a future operator-facing CLI needs one.
func StaticTokenSource(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
}
