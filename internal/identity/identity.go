// Package identity resolves the signed-in identity from tokens issued by the
// external identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatsync/internal/types"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	subjectClaim = "sub"
	nameClaim    = "name"
	pictureClaim = "picture"
	emailClaim   = "email"
	expClaim     = "exp"
)

// Dev returns the fixed identity used when the development bypass is on.
func Dev() types.Identity {
	return types.Identity{
		Id:          "dev-user",
		DisplayName: "Product Teammate",
		Email:       "dev@example.com",
		AvatarURL:   "https://ui-avatars.com/api/?name=Product+Teammate&background=0EA5E9&color=FFFFFF&rounded=true&format=svg",
	}
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify checks an HS256 token and returns the identity in its claims.
func (v *Verifier) Verify(tokenString string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Identity{}, ErrInvalidToken
	}

	sub, _ := claims[subjectClaim].(string)
	if sub == "" {
		return types.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	name, _ := claims[nameClaim].(string)
	picture, _ := claims[pictureClaim].(string)
	email, _ := claims[emailClaim].(string)

	return types.Identity{
		Id:          sub,
		DisplayName: name,
		AvatarURL:   picture,
		Email:       email,
	}, nil
}

// Issuer signs identity tokens. The server only verifies tokens; the issuer
// serves the terminal client and tests.
type Issuer struct {
	key []byte
	exp time.Duration
}

func NewIssuer(key []byte, exp time.Duration) *Issuer {
	return &Issuer{key: key, exp: exp}
}

func (i *Issuer) Issue(id types.Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subjectClaim: id.Id,
		nameClaim:    id.DisplayName,
		pictureClaim: id.AvatarURL,
		emailClaim:   id.Email,
		expClaim:     time.Now().Add(i.exp).Unix(),
	})

	return token.SignedString(i.key)
}
