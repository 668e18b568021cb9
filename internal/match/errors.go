package match

import "errors"

var (
	// ErrDuplicateSubmission 같은 수를 다시 보낸 경우. 실패가 아니라 멱등 수락이다.
	ErrDuplicateSubmission   = errors.New("duplicate submission")
	ErrConflictingSubmission = errors.New("conflicting submission for this turn")
	ErrLateSubmission        = errors.New("submission is past the turn deadline")
	ErrNotAcceptingMoves     = errors.New("match is not accepting moves")
	ErrInvalidMove           = errors.New("invalid move")
	ErrInvalidCharacter      = errors.New("invalid character")
	ErrNotSelecting          = errors.New("character selection is closed")
	ErrUnknownRole           = errors.New("unknown role")
	ErrNotParticipant        = errors.New("address is not a participant")
	ErrMatchClosed           = errors.New("match is closed")
	ErrRunnerStopped         = errors.New("match runner stopped")
)
