package metashare

import (
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrNoUserId = errors.New("Session token has no user id.")

// the session identity carried by the api token
type SessionJwt struct {
	UserId   string
	Username string
}

// ParseSessionJwtUnverified reads the claims without verifying the signature.
// The server verifies every request; the client only needs to know whose actions are its own.
func ParseSessionJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}

	if userId, ok := claims["user_id"]; ok {
		switch v := userId.(type) {
		case string:
			sessionJwt.UserId = v
		case float64:
			sessionJwt.UserId = fmt.Sprintf("%.0f", v)
		}
	}
	if sessionJwt.UserId == "" {
		if subject, err := claims.GetSubject(); err == nil {
			sessionJwt.UserId = subject
		}
	}
	if username, ok := claims["username"].(string); ok {
		sessionJwt.Username = username
	}

	if sessionJwt.UserId == "" {
		return nil, ErrNoUserId
	}
	return sessionJwt, nil
}
