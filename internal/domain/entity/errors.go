package entity

import "errors"

var (
	// Account errors
	ErrAccountMissingEmail        = errors.New("account missing email")
	ErrAccountMissingRefreshToken = errors.New("account missing refresh token")
	ErrAccountNotFound            = errors.New("account not found")
)
