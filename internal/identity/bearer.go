package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// bearerIssuer is the "iss" claim on AgentMesh bearer credentials.
const bearerIssuer = "agentmesh"

// BearerClaims are the JWT claims of the transport form of a Credential.
// The JWT is signed with EdDSA by the same authority key that signs the
// canonical credential record, so either form verifies with the same key.
type BearerClaims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"caps"`
}

// BearerToken encodes cred as an EdDSA-signed JWT for use in HTTP
// Authorization headers. The structured Credential remains the canonical
// wire form; the JWT carries the same DID, capability set, and expiry.
func (r *Registry) BearerToken(cred *Credential) (string, error) {
	claims := BearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    bearerIssuer,
			Subject:   cred.DID,
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
			ID:        uuid.New().String(),
		},
		Capabilities: cred.Capabilities,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(r.authorityKey)
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signed, nil
}

// ParseBearerToken validates a bearer JWT and returns its claims. The bound
// identity must still be active.
func (r *Registry) ParseBearerToken(tokenStr string) (*BearerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&BearerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return r.authorityPub, nil
		},
		jwt.WithIssuer(bearerIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return r.now() }),
	)
	if err != nil {
		return nil, fmt.Errorf("verify bearer token: %w", err)
	}
	claims, ok := token.Claims.(*BearerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid bearer claims", ErrBadSignature)
	}

	id, err := r.Get(claims.Subject)
	if err != nil {
		return nil, err
	}
	if err := statusError(id.Status); err != nil {
		return nil, err
	}
	return claims, nil
}
