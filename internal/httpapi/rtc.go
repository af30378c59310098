package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voiceroom/internal/audio"
	"github.com/ent0n29/voiceroom/internal/protocol"
	"github.com/ent0n29/voiceroom/internal/room"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var (
	errClientLeft      = errors.New("client left")
	errParticipantGone = errors.New("participant disconnected")
)

// handleRoomWS joins the token holder to its room and pumps audio and
// events between the websocket and the room participant.
func (s *Server) handleRoomWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("access_token"))
	if raw == "" {
		respondError(w, http.StatusUnauthorized, "missing_token", "query parameter access_token is required")
		return
	}
	if s.issuer == nil || s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "room transport not configured")
		return
	}
	grant, err := s.issuer.Decode(raw)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p, err := s.hub.Join(grant.Room, grant.Identity)
	if err != nil {
		code := "join_failed"
		if errors.Is(err, room.ErrRoomFull) {
			code = "room_full"
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteJSON(protocol.ErrorEvent{Type: protocol.TypeError, Code: code, Source: "room", Detail: err.Error()})
		s.metrics.WSMessage("outbound", string(protocol.TypeError))
		return
	}
	defer p.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(protocol.Joined{Type: protocol.TypeJoined, Room: p.Room(), Identity: p.Identity()}); err != nil {
		return
	}
	s.metrics.WSMessage("outbound", string(protocol.TypeJoined))
	s.metrics.SessionEvent("ws_connected")
	log.Printf("[rtc] %s joined room %s", p.Identity(), p.Room())

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.writePump(ctx, conn, p) })
	g.Go(func() error { return s.readPump(ctx, conn, p) })
	g.Go(func() error {
		// Unblocks ReadMessage once either pump stops.
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	err = g.Wait()
	if err != nil && !errors.Is(err, errClientLeft) && !errors.Is(err, errParticipantGone) && !isNormalClose(err) {
		log.Printf("[rtc] %s left room %s: %v", p.Identity(), p.Room(), err)
	}
	s.metrics.SessionEvent("ws_disconnected")
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, p *room.Participant) error {
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.rejectClientMessage(ctx, p, err)
			continue
		}
		switch m := parsed.(type) {
		case protocol.Audio:
			s.metrics.WSMessage("inbound", string(m.Type))
			pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if err != nil || len(pcm)%2 != 0 {
				s.rejectClientMessage(ctx, p, errors.New("audio payload is not base64 pcm16"))
				continue
			}
			if err := p.PushMic(ctx, audio.Frame{Data: pcm, SampleRate: m.SampleRate}); err != nil {
				if errors.Is(err, room.ErrClosed) {
					return errParticipantGone
				}
				return err
			}
		case protocol.Leave:
			s.metrics.WSMessage("inbound", string(m.Type))
			return errClientLeft
		}
	}
}

func (s *Server) rejectClientMessage(ctx context.Context, p *room.Participant, cause error) {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeError,
		Code:      "invalid_client_message",
		Source:    "gateway",
		Retryable: false,
		Detail:    cause.Error(),
	}
	// Keep websocket writes single-threaded; the event is dropped if the
	// outbound queue is saturated.
	_ = p.SendEvent(ctx, ev)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, p *room.Participant) error {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return errParticipantGone
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
		case f := <-p.Audio():
			seq++
			msg := protocol.Audio{
				Type:        protocol.TypeAudio,
				Seq:         seq,
				PCM16Base64: base64.StdEncoding.EncodeToString(f.Data),
				SampleRate:  f.SampleRate,
			}
			if err := s.write(conn, msg, string(protocol.TypeAudio)); err != nil {
				return err
			}
		case ev := <-p.Events():
			if err := s.write(conn, ev, messageTypeOf(ev)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg any, msgType string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.WSMessage("outbound_error", msgType)
		return err
	}
	s.metrics.WSMessage("outbound", msgType)
	return nil
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.ClearAudio:
		return string(m.Type)
	case protocol.AgentState:
		return string(m.Type)
	case protocol.Transcript:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
