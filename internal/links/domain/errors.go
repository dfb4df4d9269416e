package domain

import "errors"

var (
	ErrLinkNotFound      = errors.New("link not found")
	ErrInvalidTransition = errors.New("invalid link status transition")
	ErrInvalidVariant    = errors.New("invalid link variant")
)
