package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/pkg/livedto"
)

// Coordinator is the slice of the session coordinator a connection drives.
type Coordinator interface {
	Attach(ctx context.Context, gameID string, subscribe func(livedto.GameState) error) error
	Move(ctx context.Context, gameID, actor, uci string) (session.Outcome, error)
	Resign(ctx context.Context, gameID, actor string) (session.Outcome, error)
	OfferDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
	AcceptDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
	DeclineDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
}

type ServerConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	CommandTimeout time.Duration
	OriginPatterns []string
	Logger         *zap.Logger
}

// Server binds websocket connections to games.
type Server struct {
	hub   *Hub
	coord Coordinator
	cfg   ServerConfig
	log   *zap.Logger
}

func NewServer(hub *Hub, coord Coordinator, cfg ServerConfig) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &Server{hub: hub, coord: coord, cfg: cfg, log: obslog.Or(cfg.Logger)}
}

// Close codes sent when a connection cannot be served.
const (
	StatusGameNotFound websocket.StatusCode = 4404
	StatusSlowConsumer websocket.StatusCode = 4408
)

// ServeConn upgrades the request and serves gameID for userID until either
// side goes away. An empty userID is a spectator; its commands are rejected.
// The first frame is always the full GAME_STATE snapshot.
func (s *Server) ServeConn(w http.ResponseWriter, r *http.Request, gameID, userID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.cfg.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_failed", zap.String("game_id", gameID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var sub *Subscriber
	err = s.coord.Attach(ctx, gameID, func(st livedto.GameState) error {
		sub = s.hub.Subscribe(gameID, userID)
		s.hub.Send(sub, livedto.GameStateEvent{GameState: st})
		return nil
	})
	if err != nil {
		code, reason := websocket.StatusInternalError, "unavailable"
		if de, ok := session.AsDomainError(err); ok {
			reason = de.Code
			if de.Code == livedto.CodeGameNotFound {
				code = StatusGameNotFound
			}
		}
		_ = conn.Close(code, reason)
		return
	}
	defer s.hub.Unsubscribe(sub)

	s.log.Info("ws_attach", zap.String("game_id", gameID), zap.String("user_id", userID))
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer cancel()
		s.writeLoop(ctx, conn, sub)
	}()

	s.readLoop(ctx, conn, sub)
	cancel()
	<-writeDone
	s.log.Info("ws_detach", zap.String("game_id", gameID), zap.String("user_id", userID))
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case frame := <-sub.Frames():
			if err := s.write(ctx, conn, frame); err != nil {
				return
			}
		case <-sub.Done():
			// flush what was queued before the drop
		flush:
			for {
				select {
				case frame := <-sub.Frames():
					if err := s.write(ctx, conn, frame); err != nil {
						return
					}
				default:
					break flush
				}
			}
			if sub.Slow() {
				_ = conn.Close(StatusSlowConsumer, "slow consumer")
			} else {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				s.log.Debug("ws_ping_failed", zap.String("game_id", sub.GameID), zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, frame)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("ws_read_failed", zap.String("game_id", sub.GameID), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			s.hub.Send(sub, livedto.CommandRejectedEvent{Code: livedto.CodeInvalidRequest, Reason: "text frames only"})
			continue
		}
		cmd, err := livedto.DecodeCommand(data)
		if err != nil {
			s.hub.Send(sub, livedto.CommandRejectedEvent{Code: livedto.CodeInvalidRequest, Reason: err.Error()})
			continue
		}
		s.dispatch(ctx, sub, cmd)
	}
}

// dispatch runs one command and answers the submitter. Other viewers learn
// the outcome from the broadcast the coordinator already made.
func (s *Server) dispatch(ctx context.Context, sub *Subscriber, cmd livedto.Command) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()
	if sub.UserID == "" {
		s.reject(sub, cmd, livedto.DomainError{Code: livedto.CodeNotAParticipant, Message: "spectators cannot act"})
		return
	}

	var (
		out session.Outcome
		err error
	)
	switch c := cmd.(type) {
	case livedto.MoveCommand:
		out, err = s.coord.Move(cctx, sub.GameID, sub.UserID, c.UCI)
	case livedto.ResignCommand:
		out, err = s.coord.Resign(cctx, sub.GameID, sub.UserID)
	case livedto.OfferDrawCommand:
		out, err = s.coord.OfferDraw(cctx, sub.GameID, sub.UserID)
	case livedto.AcceptDrawCommand:
		out, err = s.coord.AcceptDraw(cctx, sub.GameID, sub.UserID)
	case livedto.DeclineDrawCommand:
		out, err = s.coord.DeclineDraw(cctx, sub.GameID, sub.UserID)
	default:
		s.reject(sub, cmd, livedto.DomainError{Code: livedto.CodeInvalidRequest, Message: "unsupported command"})
		return
	}
	if err != nil {
		de, ok := session.AsDomainError(err)
		if !ok {
			de = livedto.DomainError{Code: livedto.CodeUnavailable, Message: err.Error(), Retryable: true}
		}
		s.reject(sub, cmd, de)
		return
	}
	mc, isMove := cmd.(livedto.MoveCommand)
	if out.Stale {
		// the game ended before this command; the final state is the answer
		s.hub.Send(sub, livedto.GameStateEvent{GameState: out.State})
		if isMove {
			s.reject(sub, cmd, gameFinished(out.State))
		}
		return
	}
	if !isMove {
		return
	}
	if out.Move == nil {
		// the mover's flag fell first; the broadcast already carried the finish
		s.reject(sub, cmd, gameFinished(out.State))
		return
	}
	s.hub.Send(sub, livedto.MoveAcceptedEvent{
		ClientMoveID: mc.ClientMoveID,
		Ply:          out.Move.Ply,
		FEN:          out.Move.FEN,
		Clocks:       out.State.Clocks,
	})
}

func gameFinished(st livedto.GameState) livedto.DomainError {
	return livedto.DomainError{
		Code:    livedto.CodeGameFinished,
		Message: "game finished: " + st.FinishReason,
	}
}

func (s *Server) reject(sub *Subscriber, cmd livedto.Command, de livedto.DomainError) {
	if mc, ok := cmd.(livedto.MoveCommand); ok {
		s.hub.Send(sub, livedto.MoveRejectedEvent{ClientMoveID: mc.ClientMoveID, Code: de.Code, Reason: de.Message})
		return
	}
	var typ livedto.MessageType
	if cmd != nil {
		typ = cmd.CommandType()
	}
	s.hub.Send(sub, livedto.CommandRejectedEvent{Command: typ, Code: de.Code, Reason: de.Message})
}
