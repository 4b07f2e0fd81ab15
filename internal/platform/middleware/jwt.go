package middleware

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator validates HMAC-signed access tokens issued by the identity
// collaborator. Tenant scope travels in custom claims.
type JWTValidator struct {
	secret []byte
	issuer string
}

func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

type tokenClaims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org_id"`
	PlantID        string `json:"plant_id,omitempty"`
	Role           string `json:"role"`
}

func (v *JWTValidator) Validate(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token claims")
	}
	return Claims{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
		PlantID:        claims.PlantID,
		Role:           claims.Role,
	}, nil
}
