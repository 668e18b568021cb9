package service

import (
	"errors"

	"github.com/veilstar/brawl-backend/internal/repository"
)

// Common service errors
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("resource not found")
)

// Queue service specific errors
var (
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrAlreadyQueued      = errors.New("already in queue")
	ErrNotQueued          = errors.New("not in queue")
)

// Match service specific errors
var (
	ErrMatchNotFound  = errors.New("match not found")
	ErrNotParticipant = errors.New("not a participant of this match")
	ErrMatchClosed    = errors.New("match is closed")
)

func isDuplicate(err error) bool {
	return errors.Is(err, repository.ErrDuplicate)
}
