// Package claims decodes and verifies the signed JWT an artifact may
// embed: signature chain, expiry, and not-before, ed25519 only.
package claims

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/wasmcloud/host/cluster"
)

// Action is the requested action a claims/policy decision gates.
type Action string

const (
	ActionStartComponent    Action = "start_component"
	ActionStartProvider     Action = "start_provider"
	ActionPerformInvocation Action = "perform_invocation"
)

// Verifier decodes and verifies an artifact's embedded claims token.
type Verifier struct {
	// AllowUnsigned permits artifacts with no embedded token; hosts
	// in locked-down lattices leave this false.
	AllowUnsigned bool

	// IssuerKeys resolves an issuer subject to the ed25519 public key
	// that should have signed its tokens. In production this is backed
	// by the lattice's account/issuer directory; tests supply a fixed
	// map.
	IssuerKeys func(issuer string) (ed25519.PublicKey, bool)
}

// claimsBody is the JWT payload shape wasmCloud-style signed artifacts
// carry: subject identity plus a capability list.
type claimsBody struct {
	jwt.RegisteredClaims
	Caps []string `json:"wascap,omitempty"`
}

// Verify decodes raw (nil/empty means "no embedded token") and returns
// the resulting VerifiedClaims, or an error if verification fails or
// the token is required but absent.
func (v *Verifier) Verify(raw []byte) (*cluster.VerifiedClaims, error) {
	if len(raw) == 0 {
		if v.AllowUnsigned {
			return nil, nil
		}
		return nil, errors.New("claims: artifact has no embedded token and unsigned artifacts are not permitted")
	}

	var body claimsBody
	token, err := jwt.ParseWithClaims(string(raw), &body, v.keyFunc)
	if err != nil {
		return nil, errors.Wrap(err, "claims: verify")
	}
	if !token.Valid {
		return nil, errors.New("claims: token invalid")
	}

	now := time.Now()
	if body.ExpiresAt != nil && now.After(body.ExpiresAt.Time) {
		return nil, errors.New("claims: token expired")
	}
	if body.NotBefore != nil && now.Before(body.NotBefore.Time) {
		return nil, errors.New("claims: token not yet valid")
	}

	vc := &cluster.VerifiedClaims{
		Subject: body.Subject,
		Issuer:  body.Issuer,
		Caps:    body.Caps,
	}
	if body.NotBefore != nil {
		vc.NotBefore = body.NotBefore.Time
	}
	if body.ExpiresAt != nil {
		vc.Expiry = body.ExpiresAt.Time
	}
	return vc, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	claims, ok := token.Claims.(*claimsBody)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	key, ok := v.IssuerKeys(claims.Issuer)
	if !ok {
		return nil, fmt.Errorf("unknown issuer %q", claims.Issuer)
	}
	return key, nil
}

// SignHostToken mints the host's own claims token: self-issued,
// subject and issuer both the host id. Presented to secrets backends
// alongside the entity token so a backend can authorize by host as
// well as by workload.
func SignHostToken(h *cluster.HostIdentity, ttl time.Duration) (string, error) {
	return Sign(h.PrivateKey(), h.ID, h.ID, nil, ttl)
}

// Sign produces a token in the shape Verify expects; used by tests and
// by builtin/dev tooling that mints claims for local artifacts.
func Sign(priv ed25519.PrivateKey, subject, issuer string, caps []string, ttl time.Duration) (string, error) {
	now := time.Now()
	body := claimsBody{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Caps: caps,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, body)
	return token.SignedString(priv)
}
