package crypto

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

// jwtCustomClaims is an unexported struct used for claims.
// Fields must be exported for JSON serialization.
type jwtCustomClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTManager verifies session tokens issued by the account service. This
// process never mints tokens; both sides share the signing key.
type JWTManager struct {
	secretKey []byte
}

func NewJWTManager(secretKey string) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secretKey),
	}
}

// Verify returns the identity carried by the token, or ErrInvalidToken.
func (m *JWTManager) Verify(tokenString string) (domain.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwtCustomClaims{}, func(token *jwt.Token) (any, error) {
		// Validate the signing method is what we expect (HMAC)
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return m.secretKey, nil
	})

	if err != nil {
		return domain.User{}, domain.ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwtCustomClaims)
	if !ok || !token.Valid {
		return domain.User{}, domain.ErrInvalidToken
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return domain.User{}, domain.ErrInvalidToken
	}

	return domain.User{ID: id, Username: claims.Username}, nil
}
