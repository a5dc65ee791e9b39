package autotrader

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one envelope pushed by the server event stream.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream is a live subscription to the server event stream.
type Stream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

// Events opens the websocket stream and subscribes to the given topics. An
// empty topic list keeps the server default subscription.
func (c *Client) Events(ctx context.Context, topics ...string) (*Stream, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, "/ws")
	u.RawQuery = ""

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	s := &Stream{conn: conn, events: make(chan Event, 64), done: make(chan struct{})}
	for _, topic := range topics {
		if err := s.control("subscribe", topic); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// C returns the channel of received events. It is closed when the stream ends.
func (s *Stream) C() <-chan Event {
	return s.events
}

// Subscribe adds a topic to the subscription.
func (s *Stream) Subscribe(topic string) error {
	return s.control("subscribe", topic)
}

// Unsubscribe removes a topic from the subscription.
func (s *Stream) Unsubscribe(topic string) error {
	return s.control("unsubscribe", topic)
}

// Err reports why the stream ended, if it ended abnormally.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the stream.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Stream) control(action, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(map[string]string{"type": action, "topic": topic}); err != nil {
		return fmt.Errorf("%s %s: %w", action, topic, err)
	}
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
			}
			return
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
