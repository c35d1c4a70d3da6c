package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tsln1998/wk/internal/event"
	"github.com/tsln1998/wk/internal/ingest"
	"github.com/tsln1998/wk/internal/store"
)

// ConfigDocument is returned to agents by the config endpoint.
type ConfigDocument struct {
	ReportInterval string `json:"report_interval,omitempty"`
}

// ReportResult counts the outcome of a batch submission.
type ReportResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

func (s *Server) resolveHost(c echo.Context) (*store.Host, error) {
	host, err := s.resolver.Resolve(c.Request().Context(), c.Param("machineId"))
	if errors.Is(err, ingest.ErrInvalidMachineID) {
		return nil, BadRequestError("Invalid machine id", err.Error())
	}
	if err != nil {
		return nil, InternalError("Failed to resolve host", err.Error())
	}
	return host, nil
}

// agentConfig handles GET /api/agent/:machineId/config.
func (s *Server) agentConfig(c echo.Context) error {
	if _, err := s.resolveHost(c); err != nil {
		return err
	}

	var doc ConfigDocument
	if s.opts.ReportInterval > 0 {
		doc.ReportInterval = s.opts.ReportInterval.String()
	}
	return c.JSON(http.StatusOK, doc)
}

// reportBatch handles POST /api/agent/:machineId/report with a JSON array of
// events. Elements that do not decode are skipped.
func (s *Server) reportBatch(c echo.Context) error {
	var items []json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&items); err != nil || items == nil {
		details := "body must be a JSON array"
		if err != nil {
			details = err.Error()
		}
		return BadRequestError("Invalid report", details)
	}

	host, err := s.resolveHost(c)
	if err != nil {
		return err
	}

	sender, err := s.mailboxes.Obtain(host)
	if err != nil {
		return InternalError("Failed to open mailbox", err.Error())
	}
	defer sender.Close()

	ctx := c.Request().Context()
	var res ReportResult
	for i, raw := range items {
		ev, err := event.Decode(raw)
		if err != nil {
			s.log.Debug().Err(err).
				Str("host_id", host.ID.String()).
				Int("index", i).
				Msg("Skipping undecodable event")
			res.Skipped++
			continue
		}
		if err := sender.Send(ctx, ev); err != nil {
			return InternalError("Failed to enqueue event", err.Error())
		}
		res.Accepted++
	}

	return c.JSON(http.StatusOK, res)
}

// reportStream handles GET /api/agent/:machineId/report as a WebSocket. Every
// text or binary message carries one event.
func (s *Server) reportStream(c echo.Context) error {
	host, err := s.resolveHost(c)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.log.Debug().Err(err).Str("host_id", host.ID.String()).Msg("WebSocket upgrade failed")
		return nil
	}
	defer conn.Close()

	s.trackStream(conn)
	defer s.untrackStream(conn)

	log := s.log.With().Str("host_id", host.ID.String()).Str("remote", c.RealIP()).Logger()

	sender, err := s.mailboxes.Obtain(host)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open mailbox for stream")
		closeStream(conn, websocket.CloseInternalServerErr, "mailbox unavailable")
		return nil
	}
	defer sender.Close()

	extend := func() {
		if s.opts.StreamIdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.StreamIdleTimeout))
		}
	}
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	log.Debug().Msg("Stream opened")

	ctx := c.Request().Context()
	var accepted, skipped int
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Stream read failed")
			}
			break
		}
		extend()

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		ev, err := event.Decode(data)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping undecodable event")
			skipped++
			continue
		}
		if err := sender.Send(ctx, ev); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue event")
			closeStream(conn, websocket.CloseInternalServerErr, "enqueue failed")
			break
		}
		accepted++
	}

	log.Debug().
		Int("accepted", accepted).
		Int("skipped", skipped).
		Msg("Stream closed")
	return nil
}

func closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
