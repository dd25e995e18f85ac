package p8

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Grip-Sig tokens prove to an origin that a request passed through a
// trusted proxy, and to the proxy that a request came from a trusted
// origin.

// GripSign creates a Grip-Sig token for iss, valid for one hour.
func GripSign(iss string, key []byte) (string, error) {
	claims := jwt.MapClaims{
		"iss": iss,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	return token, errors.WithStack(err)
}

// GripVerify checks a Grip-Sig token against key.
func GripVerify(tokenStr string, key []byte) bool {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}
