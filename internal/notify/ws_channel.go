package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/facebookgo/clock"
	"github.com/gorilla/websocket"
)

// WSChannel subscribes to the gateway websocket at /ws/{courier_id}.
type WSChannel struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	Backoff Backoff
	Clock   clock.Clock
	logger  *slog.Logger
}

func NewWSChannel(gatewayURL, courierID, token string, logger *slog.Logger) *WSChannel {
	u := strings.TrimRight(gatewayURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		URL:     u + "/ws/" + url.PathEscape(courierID),
		Header:  h,
		Dialer:  websocket.DefaultDialer,
		Backoff: DefaultBackoff(),
		Clock:   clock.New(),
		logger:  logger.With("component", "notify"),
	}
}

func (c *WSChannel) Run(ctx context.Context, deliver func(Event)) error {
	return run(ctx, c.Clock, "ws", c.logger, &c.Backoff, c.session, deliver)
}

func (c *WSChannel) session(ctx context.Context, deliver func(Event)) (bool, error) {
	conn, _, err := c.Dialer.DialContext(ctx, c.URL, c.Header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.logger.Info("notification channel connected", "transport", "ws", "url", c.URL)
	deliver(Event{Type: KindConnected})
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, err
		}
		if ev.Type == "" {
			continue
		}
		deliver(ev)
	}
}
