package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-cbt/internal/engine"
	"github.com/stemsi/exstem-cbt/internal/middleware"
	"github.com/stemsi/exstem-cbt/internal/response"
	"github.com/stemsi/exstem-cbt/internal/service"
	ws "github.com/stemsi/exstem-cbt/internal/websocket"
)

// actionTimeout bounds a single client action against the session.
const actionTimeout = 10 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams an attached exam attempt. While a client is attached the
// server drives the countdown and heartbeats.
type WSHandler struct {
	sessions *service.ExamSessionService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// ExamWebSocketStream godoc
// WS /ws/v1/student/exams/:exam_id/stream
// Attaches to the attempt, opening it first when needed.
func (h *WSHandler) ExamWebSocketStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	p := claims.Principal()
	examID := c.Param("exam_id")

	// Attach before upgrading so refusals are plain HTTP errors.
	sess, sub, err := h.sessions.Attach(c.Request.Context(), p, examID)
	if err != nil {
		fail(c, h.log, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Str("user_id", p.UserID).
		Str("exam_id", examID).
		Str("subscription", sub.ID).
		Logger()
	wsLog.Info().Msg("Client attached")

	out := make(chan any, 8)
	writerDone := make(chan struct{})
	go h.writeLoop(conn, sub, out, writerDone, wsLog)

	send := func(v any) bool {
		select {
		case out <- v:
			return true
		case <-writerDone:
			return false
		}
	}

	if !send(ws.OpenedResponse{Event: ws.EventOpened, Session: sess.View(), Paper: sess.Paper()}) {
		return
	}

	ws.PrepareRead(conn)
	for {
		var msg ws.ClientMessage
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		reply := h.dispatch(sess, &msg, wsLog)
		if reply != nil && !send(reply) {
			return
		}
	}
}

// dispatch runs one client action. A nil reply means the outcome arrives as
// a session event.
func (h *WSHandler) dispatch(sess *engine.Session, msg *ws.ClientMessage, log zerolog.Logger) any {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	var (
		view engine.View
		err  error
	)
	switch msg.Action {
	case ws.ActionPing:
		return ws.PongResponse{Event: ws.EventPong}
	case ws.ActionAnswer:
		if msg.QuestionID == "" || msg.Option == nil {
			return wsError(response.ErrValidation)
		}
		view, err = sess.SetAnswer(ctx, msg.QuestionID, *msg.Option)
	case ws.ActionNavigate:
		if msg.Index == nil {
			return wsError(response.ErrValidation)
		}
		view, err = sess.Navigate(ctx, *msg.Index)
	case ws.ActionSubmit:
		if _, err = sess.Finalize(ctx, engine.TriggerManual); err == nil {
			return nil
		}
	default:
		log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		return wsError(response.ErrInvalidPayload)
	}

	if err != nil {
		_, code := classify(err)
		log.Debug().Err(err).Str("action", string(msg.Action)).Msg("Action rejected")
		return wsError(code)
	}
	return ws.SessionResponse{Event: ws.EventAck, Action: msg.Action, Session: view}
}

// writeLoop is the connection's only writer.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *engine.Subscription, out <-chan any, done chan<- struct{}, log zerolog.Logger) {
	defer close(done)
	defer conn.Close()

	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case v := <-out:
			if err := ws.WriteTyped(conn, v); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(ws.WriteWait))
				return
			}
			if err := ws.WriteTyped(conn, ws.FromEngineEvent(ev)); err != nil {
				return
			}
			if ev.Type == engine.EventFinalized {
				log.Info().Msg("Attempt finalized, closing stream")
			}
		case <-ping.C:
			if err := ws.WritePing(conn); err != nil {
				return
			}
		}
	}
}

func wsError(code response.ErrCode) ws.ErrorResponse {
	return ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: response.GetMessage(code)}
}
