// Package reporter implements the agent side: it collects local facts and
// reports them to a wk server over the batch or stream transport.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tsln1998/wk/internal/event"
	"github.com/tsln1998/wk/internal/sysinfo"
)

// Transports accepted in Options.
const (
	TransportStream = "stream"
	TransportBatch  = "batch"
)

const (
	pingPeriod  = 30 * time.Second
	writeWait   = 10 * time.Second
	httpTimeout = 15 * time.Second
)

// Options configure a Reporter.
type Options struct {
	ServerURL    string
	MachineID    string
	Interval     time.Duration
	Transport    string
	NetworkRange string
}

// RemoteConfig is the document served at /api/agent/:machineId/config.
type RemoteConfig struct {
	ReportInterval string `json:"report_interval,omitempty"`
}

// BatchResult mirrors the server's reply to a batch submission.
type BatchResult struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// Reporter periodically reports this machine to the server.
type Reporter struct {
	opts    Options
	client  *http.Client
	dialer  *websocket.Dialer
	collect func(networkRange string) (*sysinfo.SystemInfo, error)
	log     zerolog.Logger
}

// New returns a reporter. Call Run to start reporting.
func New(opts Options, log zerolog.Logger) *Reporter {
	if opts.Transport == "" {
		opts.Transport = TransportStream
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	opts.ServerURL = strings.TrimRight(opts.ServerURL, "/")

	return &Reporter{
		opts:    opts,
		client:  &http.Client{Timeout: httpTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: httpTimeout},
		collect: sysinfo.Collect,
		log:     log.With().Str("component", "reporter").Logger(),
	}
}

// Events converts collected facts into the events sent to the server.
func Events(info *sysinfo.SystemInfo) []event.Event {
	var events []event.Event
	if info.IPAddress != "" {
		events = append(events, event.MachineEmit{IP: info.IPAddress})
	}
	events = append(events, event.OsEmit{
		Family:         info.OSFamily,
		Name:           optional(info.OSName),
		Version:        optional(info.OSVersion),
		Arch:           optional(info.Arch),
		Build:          optional(info.Kernel),
		Virtualization: event.Bool(info.Virtualized),
	})
	return events
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Run reports until ctx is cancelled. It returns nil on cancellation.
func (r *Reporter) Run(ctx context.Context) error {
	if r.opts.MachineID == "" {
		info, err := r.collect(r.opts.NetworkRange)
		if err != nil {
			return fmt.Errorf("collecting system info: %w", err)
		}
		r.opts.MachineID = info.MachineID()
	}

	interval := r.opts.Interval
	if cfg, err := r.FetchConfig(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Failed to fetch remote config, using local interval")
	} else if cfg.ReportInterval != "" {
		if d, err := time.ParseDuration(cfg.ReportInterval); err == nil && d > 0 {
			interval = d
		} else {
			r.log.Warn().Str("report_interval", cfg.ReportInterval).Msg("Ignoring invalid remote interval")
		}
	}

	r.log.Info().
		Str("server", r.opts.ServerURL).
		Str("machine_id", r.opts.MachineID).
		Str("transport", r.opts.Transport).
		Dur("interval", interval).
		Msg("Starting reporter")

	switch r.opts.Transport {
	case TransportBatch:
		return r.runBatch(ctx, interval)
	case TransportStream:
		return r.runStream(ctx, interval)
	default:
		return fmt.Errorf("unknown transport %q", r.opts.Transport)
	}
}

// FetchConfig asks the server for this machine's configuration.
func (r *Reporter) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("config"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var cfg RemoteConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// SendBatch posts events as one batch.
func (r *Reporter) SendBatch(ctx context.Context, events []event.Event) (*BatchResult, error) {
	items := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		data, err := event.Marshal(ev)
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("report"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var res BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding report result: %w", err)
	}
	return &res, nil
}

func (r *Reporter) currentEvents() ([]event.Event, error) {
	info, err := r.collect(r.opts.NetworkRange)
	if err != nil {
		return nil, fmt.Errorf("collecting system info: %w", err)
	}
	return Events(info), nil
}

func (r *Reporter) runBatch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.reportBatch(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("Batch report failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reporter) reportBatch(ctx context.Context) error {
	events, err := r.currentEvents()
	if err != nil {
		return err
	}
	res, err := r.SendBatch(ctx, events)
	if err != nil {
		return err
	}
	r.log.Debug().Int("accepted", res.Accepted).Int("skipped", res.Skipped).Msg("Batch reported")
	return nil
}

// runStream keeps a stream open, reconnecting after failures.
func (r *Reporter) runStream(ctx context.Context, interval time.Duration) error {
	for {
		err := r.stream(ctx, interval)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Dur("retry_in", interval).Msg("Stream ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (r *Reporter) stream(ctx context.Context, interval time.Duration) error {
	wsURL, err := websocketURL(r.endpoint("report"))
	if err != nil {
		return err
	}
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %s: %w", wsURL, resp.Status, err)
		}
		return fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	defer conn.Close()

	r.log.Info().Str("url", wsURL).Msg("Stream connected")

	// Reading is required for pongs and close frames to be handled.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	report := time.NewTicker(interval)
	defer report.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		if err := r.sendEvents(conn); err != nil {
			return err
		}

		for waiting := true; waiting; {
			select {
			case <-ctx.Done():
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping")
				conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				select {
				case <-readErr:
				case <-time.After(writeWait):
				}
				return ctx.Err()
			case err := <-readErr:
				return fmt.Errorf("stream closed: %w", err)
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte(time.Now().Format(time.RFC3339Nano)), time.Now().Add(writeWait)); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			case <-report.C:
				waiting = false
			}
		}
	}
}

func (r *Reporter) sendEvents(conn *websocket.Conn) error {
	events, err := r.currentEvents()
	if err != nil {
		return err
	}
	for _, ev := range events {
		data, err := event.Marshal(ev)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
	}
	r.log.Debug().Int("events", len(events)).Msg("Events streamed")
	return nil
}

func (r *Reporter) endpoint(name string) string {
	return r.opts.ServerURL + "/api/agent/" + url.PathEscape(r.opts.MachineID) + "/" + name
}

// websocketURL maps an http(s) URL to ws(s).
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// responseError turns a non-200 reply into an error, using the server's
// JSON error message when present.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr struct {
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Details != "" {
			return fmt.Errorf("server returned %d: %s: %s", resp.StatusCode, apiErr.Message, apiErr.Details)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return errors.New("server returned " + resp.Status)
}
