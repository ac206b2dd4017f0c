package gateway

import (
	"context"
	"fmt"
	"net/url"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/couchlike/couchlike.go/internal/codec"
	"github.com/couchlike/couchlike.go/pkg/connection"
	"github.com/couchlike/couchlike.go/pkg/models"
)

var jsonCodec = codec.JSON{}

// DefaultDialer is the gorilla dialer used for websocket change feeds.
var DefaultDialer = &gorilla.Dialer{
	Proxy:            gorilla.DefaultDialer.Proxy,
	HandshakeTimeout: gorilla.DefaultDialer.HandshakeTimeout,
}

type feedOptions struct {
	Since       string `json:"since"`
	IncludeDocs bool   `json:"include_docs"`
	Style       string `json:"style,omitempty"`
	ActiveOnly  bool   `json:"active_only,omitempty"`
	Heartbeat   int64  `json:"heartbeat,omitempty"`
}

// Follow opens a `feed=websocket` change feed. The options travel as the
// first message; the gateway answers with arrays of changes.
func (e *Engine) Follow(ctx context.Context, opts connection.FollowOptions) (connection.Stream, error) {
	since := opts.Since
	if since == "" {
		since = models.SequenceStart
	}
	fo := feedOptions{
		Since:       string(since),
		IncludeDocs: opts.IncludeDocs || opts.Conflicts,
		Heartbeat:   e.FeedHeartbeat.Milliseconds(),
	}
	if opts.Conflicts {
		fo.Style = "all_docs"
		fo.ActiveOnly = true
	}

	dialer := *DefaultDialer
	dialer.TLSClientConfig = e.Client.Transport().TLSClientConfig
	target := e.Client.WebsocketURL("_changes", url.Values{"feed": {"websocket"}})
	conn, res, err := dialer.DialContext(ctx, target, e.Client.AuthHeader())
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("websocket change feed: %s: %w", res.Status, err)
		}
		return nil, fmt.Errorf("websocket change feed: %w", err)
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}

	raw, err := jsonCodec.Marshal(fo)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(gorilla.TextMessage, raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket change feed: send options: %w", err)
	}
	// The gateway's changes list honours active_only, so it is used as is.
	return connection.NewStream(&websocketSource{conn: conn}, false), nil
}

type websocketSource struct {
	conn    *gorilla.Conn
	pending []connection.ChangeRow
}

func (s *websocketSource) Next() (connection.ChangeRow, error) {
	for len(s.pending) == 0 {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				return connection.ChangeRow{}, connection.ErrFeedEnded
			}
			return connection.ChangeRow{}, err
		}
		var rows []connection.ChangeRow
		if err := jsonCodec.Unmarshal(msg, &rows); err != nil {
			return connection.ChangeRow{}, fmt.Errorf("websocket change feed: decode: %w", err)
		}
		s.pending = rows
	}
	row := s.pending[0]
	s.pending = s.pending[1:]
	return row, nil
}

func (s *websocketSource) Close() error {
	_ = s.conn.WriteControl(gorilla.CloseMessage,
		gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
