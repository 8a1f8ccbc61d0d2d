package model

import "errors"

// ErrInvalidToken is returned when an access token cannot be verified.
var ErrInvalidToken = errors.New("invalid access token")

// TokenManager issues and verifies caller access tokens.
type TokenManager interface {
	GenerateAccessToken(userID string) (string, error)
	ParseAccessToken(token string) (userID string, err error)
}
