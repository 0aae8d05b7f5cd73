package livedto

// Rejection codes reported to callers. Every rejected command carries exactly one.
const (
	CodeIllegalMove     = "ILLEGAL_MOVE"
	CodeMalformedMove   = "MALFORMED_MOVE"
	CodeNotYourTurn     = "NOT_YOUR_TURN"
	CodeNotAParticipant = "NOT_A_PARTICIPANT"
	CodeNoDrawOffer     = "NO_DRAW_OFFER"
	CodeAbortNotAllowed = "ABORT_NOT_ALLOWED"
	CodeGameNotFound    = "GAME_NOT_FOUND"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeUnauthenticated = "UNAUTHENTICATED"
	// CodeGameFinished answers a move that could not be played because the
	// game ended first, by an earlier finish or by the mover's own flag.
	CodeGameFinished = "GAME_FINISHED"
)

type DomainError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "live game error"
}
