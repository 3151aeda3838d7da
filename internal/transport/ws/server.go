package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/host"
	"chunkanchor.ai/internal/protocol"
	"chunkanchor.ai/internal/service"
	"chunkanchor.ai/internal/visualize"
)

const (
	outQueue     = 32
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
)

type Server struct {
	svc      *service.Service
	presence *host.Presence
	log      zerolog.Logger

	upgrader websocket.Upgrader

	// An idle owner stays online as long as it answers pings.
	readTimeout time.Duration
	pingPeriod  time.Duration
}

func NewServer(svc *service.Service, presence *host.Presence, log zerolog.Logger) *Server {
	return &Server{
		svc:      svc,
		presence: presence,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		readTimeout: readTimeout,
		pingPeriod:  readTimeout / 2,
	}
}

// session is one connected owner. pos is only touched by the reader loop.
type session struct {
	owner string
	pos   service.Position
	out   chan []byte
	ctx   context.Context

	showMu     sync.Mutex
	showCancel context.CancelFunc
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, ok := s.handshake(conn)
		if !ok {
			return
		}

		if !hello.Passive {
			s.presence.Join(hello.OwnerID)
			defer s.presence.Leave(hello.OwnerID)
		}

		log := s.log.With().Str("owner", hello.OwnerID).Logger()
		log.Info().Str("remote", r.RemoteAddr).Bool("passive", hello.Passive).Msg("owner connected")
		defer log.Info().Msg("owner disconnected")

		ctl := s.svc.Controller()
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			OwnerID:         hello.OwnerID,
			Limit:           s.svc.Store().Limit(),
			ChunkRadius:     ctl.ChunkRadius(),
			DefaultPolicy:   string(ctl.DefaultPolicy()),
			OnlineOwners:    s.presence.Count(),
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sess := &session{
			owner: hello.OwnerID,
			pos:   service.Position{World: hello.World, X: hello.X, Z: hello.Z},
			out:   make(chan []byte, outQueue),
			ctx:   ctx,
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		})

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			ping := time.NewTicker(s.pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						cancel()
						return
					}
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.dispatch(sess, log, msg)
		}
		cancel()
		<-done
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.HelloMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.HelloMsg{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return protocol.HelloMsg{}, false
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return protocol.HelloMsg{}, false
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "bad HELLO")
		return protocol.HelloMsg{}, false
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return protocol.HelloMsg{}, false
	}
	return hello, true
}

func (s *Server) dispatch(sess *session, log zerolog.Logger, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		s.reply(sess, protocol.ResultMsg{Code: protocol.ErrProtoBadRequest, Message: "bad message"})
		return
	}
	switch base.Type {
	case protocol.TypeMove:
		if err := protocol.Validate(protocol.TypeMove, msg); err != nil {
			s.reply(sess, protocol.ResultMsg{Code: protocol.ErrProtoBadRequest, Message: err.Error()})
			return
		}
		var mv protocol.MoveMsg
		if err := json.Unmarshal(msg, &mv); err != nil {
			return
		}
		sess.pos = service.Position{World: mv.World, X: mv.X, Z: mv.Z}
	case protocol.TypeCmd:
		var cmd protocol.CmdMsg
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.reply(sess, protocol.ResultMsg{Code: protocol.ErrProtoBadRequest, Message: "bad CMD"})
			return
		}
		if err := protocol.Validate(protocol.TypeCmd, msg); err != nil {
			s.reply(sess, protocol.ResultMsg{ID: cmd.ID, Verb: cmd.Verb, Code: protocol.ErrProtoBadRequest, Message: err.Error()})
			return
		}
		res := s.command(sess, cmd)
		if res.Code == protocol.ErrInternal {
			log.Error().Str("verb", cmd.Verb).Str("anchor", cmd.Name).Str("error", res.Message).Msg("command failed")
		}
		s.reply(sess, res)
		// Frames follow the RESULT that accepted the show.
		if res.OK && cmd.Verb == protocol.VerbShow {
			s.startShow(sess, cmd.Name)
		}
	default:
		s.reply(sess, protocol.ResultMsg{Code: protocol.ErrProtoBadRequest, Message: "unexpected message type " + base.Type})
	}
}

func (s *Server) command(sess *session, cmd protocol.CmdMsg) protocol.ResultMsg {
	res := protocol.ResultMsg{ID: cmd.ID, Verb: cmd.Verb}
	var (
		view protocol.AnchorView
		err  error
	)
	switch cmd.Verb {
	case protocol.VerbAdd:
		view, err = s.svc.Add(sess.owner, cmd.Name, sess.pos)
		res.Anchor = &view
	case protocol.VerbRemove:
		err = s.svc.Remove(sess.owner, cmd.Name)
	case protocol.VerbList:
		res.Anchors = s.svc.List(sess.owner)
	case protocol.VerbMode:
		view, err = s.svc.SetPolicy(sess.owner, cmd.Name, cmd.Policy)
		res.Anchor = &view
	case protocol.VerbEnable, protocol.VerbDisable:
		var changed bool
		view, changed, err = s.svc.SetEnabled(sess.owner, cmd.Name, cmd.Verb == protocol.VerbEnable)
		res.Anchor = &view
		if err == nil && !changed {
			res.Message = "already " + cmd.Verb + "d"
		}
	case protocol.VerbShow:
		view, err = s.svc.Get(sess.owner, cmd.Name)
		res.Anchor = &view
	}
	if err != nil {
		res.Anchor = nil
		res.Code = protocol.CodeFor(err)
		res.Message = err.Error()
	} else if res.Anchor != nil && res.Anchor.ResidencyCode != "" {
		// The change is saved; only loading its regions failed.
		res.Code = res.Anchor.ResidencyCode
		res.Message = "saved, but the anchor's regions could not be loaded"
	}
	res.OK = err == nil
	res.Enabled = s.svc.Store().EnabledCount(sess.owner)
	res.Limit = s.svc.Store().Limit()
	return res
}

// startShow replaces any outline already streaming on this session.
func (s *Server) startShow(sess *session, name string) {
	ctx, cancel := context.WithCancel(sess.ctx)
	sess.showMu.Lock()
	if sess.showCancel != nil {
		sess.showCancel()
	}
	sess.showCancel = cancel
	sess.showMu.Unlock()

	go func() {
		defer cancel()
		err := s.svc.Show(ctx, sess.owner, name, func(f visualize.Frame) error {
			return send(ctx, sess.out, outlineOf(f))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug().Err(err).Str("owner", sess.owner).Str("anchor", name).Msg("outline stopped")
		}
	}()
}

func (s *Server) reply(sess *session, res protocol.ResultMsg) {
	res.Type = protocol.TypeResult
	res.ProtocolVersion = protocol.Version
	_ = send(sess.ctx, sess.out, res)
}

func send(ctx context.Context, out chan<- []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outlineOf(f visualize.Frame) protocol.OutlineMsg {
	return protocol.OutlineMsg{
		Type:            protocol.TypeOutline,
		ProtocolVersion: protocol.Version,
		Name:            f.Name,
		World:           f.World,
		MinX:            f.Bounds.MinX,
		MaxX:            f.Bounds.MaxX,
		MinZ:            f.Bounds.MinZ,
		MaxZ:            f.Bounds.MaxZ,
		Corners:         f.Corners,
		Edge:            f.Edge,
		Final:           f.Final,
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
