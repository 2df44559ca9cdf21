package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qamon/qamon/internal/bus"
	"github.com/qamon/qamon/internal/config"
)

const (
	slackSourceName = "slack"
	slackAPIBase    = "https://slack.com/api"
)

// wsConn is the slice of *websocket.Conn the source needs; tests substitute
// an in-process server connection.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

var defaultDial dialFunc = func(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// SlackSource consumes message events over Socket Mode: a websocket endpoint
// obtained via apps.connections.open, with per-envelope acknowledgements.
// User names are resolved through the users.info Web API.
type SlackSource struct {
	appToken   string
	apiToken   string
	apiBase    string
	enqueue    EnqueueFunc
	httpClient *http.Client
	dial       dialFunc
	cancel     context.CancelFunc

	mu    sync.Mutex
	conn  wsConn
	names map[string]string
}

func NewSlackSource(cfg config.SlackConfig, enqueue EnqueueFunc) (*SlackSource, error) {
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack app token is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("slack api token is required")
	}
	return &SlackSource{
		appToken:   cfg.AppToken,
		apiToken:   cfg.APIToken,
		apiBase:    slackAPIBase,
		enqueue:    enqueue,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dial:       defaultDial,
		names:      make(map[string]string),
	}, nil
}

func (s *SlackSource) Name() string { return slackSourceName }

// Start opens the first socket connection synchronously so credential
// problems fail startup, then keeps reconnecting in the background.
func (s *SlackSource) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.setConn(conn)

	go s.run(ctx, conn)
	log.Printf("[slack] socket mode connected")
	return nil
}

func (s *SlackSource) run(ctx context.Context, conn wsConn) {
	backoff := time.Second
	for {
		err := s.readLoop(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[slack] connection lost: %v, reconnecting in %s", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(30*time.Second)))

		next, err := s.connect(ctx)
		if err != nil {
			log.Printf("[slack] reconnect failed: %v", err)
			continue
		}
		backoff = time.Second
		conn = next
		s.setConn(conn)
		log.Printf("[slack] reconnected")
	}
}

// socketEnvelope is the Socket Mode frame. Every envelope with an ID must be
// acked or Slack redelivers it.
type socketEnvelope struct {
	EnvelopeID string `json:"envelope_id"`
	Type       string `json:"type"`
	Payload    struct {
		Event slackEvent `json:"event"`
	} `json:"payload"`
}

type slackEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	BotID   string `json:"bot_id"`
	Text    string `json:"text"`
	TS      string `json:"ts"`
}

func (s *SlackSource) readLoop(conn wsConn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env socketEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[slack] malformed envelope: %v", err)
			continue
		}

		// Ack before processing; enqueue is instant so nothing is lost.
		if env.EnvelopeID != "" {
			ack, _ := json.Marshal(map[string]string{"envelope_id": env.EnvelopeID})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return fmt.Errorf("ack envelope: %w", err)
			}
		}

		switch env.Type {
		case "events_api":
			s.handleEvent(env.Payload.Event)
		case "disconnect":
			return fmt.Errorf("server requested disconnect")
		}
	}
}

func (s *SlackSource) handleEvent(ev slackEvent) {
	// Plain user messages only: edits and joins carry a subtype, bot posts a
	// bot_id.
	if ev.Type != "message" || ev.Subtype != "" || ev.BotID != "" || ev.User == "" {
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		return
	}

	s.enqueue(bus.ChatMessage{
		Channel:   ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
		MessageID: ev.Channel + "/" + ev.TS,
		Timestamp: slackTime(ev.TS),
	})
}

// slackTime parses the "seconds.fraction" event timestamp, falling back to
// now for malformed values.
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Now()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// connect obtains a fresh socket URL and dials it.
func (s *SlackSource) connect(ctx context.Context) (wsConn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/apps.connections.open", nil)
	if err != nil {
		return nil, fmt.Errorf("create connections.open request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.appToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apps.connections.open: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read connections.open response: %w", err)
	}

	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode connections.open response: %w", err)
	}
	if !decoded.OK {
		return nil, fmt.Errorf("apps.connections.open failed: %s", decoded.Error)
	}

	conn, err := s.dial(ctx, decoded.URL)
	if err != nil {
		return nil, fmt.Errorf("dial socket url: %w", err)
	}
	return conn, nil
}

func (s *SlackSource) Resolve(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	if name, ok := s.names[userID]; ok {
		s.mu.Unlock()
		return name, nil
	}
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/users.info?user="+userID, nil)
	if err != nil {
		return "", fmt.Errorf("create users.info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("users.info: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		User  struct {
			Name    string `json:"name"`
			Profile struct {
				DisplayName string `json:"display_name"`
				RealName    string `json:"real_name"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode users.info response: %w", err)
	}
	if !decoded.OK {
		if decoded.Error == "user_not_found" {
			return "", ErrUnknownUser
		}
		return "", fmt.Errorf("users.info failed: %s", decoded.Error)
	}

	name := decoded.User.Profile.DisplayName
	if name == "" {
		name = decoded.User.Profile.RealName
	}
	if name == "" {
		name = decoded.User.Name
	}
	if name == "" {
		return "", ErrUnknownUser
	}

	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
	return name, nil
}

func (s *SlackSource) setConn(conn wsConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *SlackSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	log.Printf("[slack] stopped")
	return nil
}
