package livedto

type MoveRequest struct {
	UCI          string `json:"uci"`
	ClientMoveID string `json:"clientMoveId,omitempty"`
}
