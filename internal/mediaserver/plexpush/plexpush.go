// Package plexpush is the one in-tree RealtimeSubscriber: the plex
// notification websocket, reconnecting with backoff and translating play
// session state notifications into models.SessionUpdate values for the push
// processor. It carries no session semantics of its own — it only observes.
package plexpush

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ydkmlt84/tracearr/internal/models"
)

type plexWSMessage struct {
	NotificationContainer notificationContainer `json:"NotificationContainer"`
}

type notificationContainer struct {
	Type                         string             `json:"type"`
	PlaySessionStateNotification []playSessionState `json:"PlaySessionStateNotification"`
}

type playSessionState struct {
	SessionKey string `json:"sessionKey"`
	RatingKey  string `json:"ratingKey"`
	State      string `json:"state"`
	ViewOffset int64  `json:"viewOffset"`
}

// Source subscribes to one plex server's notification websocket.
type Source struct {
	serverID   string
	serverName string
	baseURL    string
	token      string
}

func New(serverID, serverName, baseURL, token string) *Source {
	return &Source{serverID: serverID, serverName: serverName, baseURL: baseURL, token: token}
}

// Subscribe opens the websocket and streams updates until ctx ends. The
// returned channel closes when the subscription terminates; disconnects are
// retried with capped exponential backoff.
func (s *Source) Subscribe(ctx context.Context) (<-chan models.SessionUpdate, error) {
	ch := make(chan models.SessionUpdate, 16)
	go s.wsLoop(ctx, ch)
	return ch, nil
}

func (s *Source) wsLoop(ctx context.Context, ch chan<- models.SessionUpdate) {
	defer close(ch)
	backoff := time.Second

	for {
		connected := time.Now()
		err := s.wsConnect(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("plex ws %s: %v", s.serverName, err)
		}
		// Reset backoff if the connection lasted more than 30 seconds
		if time.Since(connected) > 30*time.Second {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, 30*time.Second)
		}
	}
}

func (s *Source) wsConnect(ctx context.Context, ch chan<- models.SessionUpdate) error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/:/websockets/notifications"

	header := http.Header{"X-Plex-Token": {s.token}}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	// Use a local context to stop the ping goroutine before closing the connection
	pingCtx, pingCancel := context.WithCancel(ctx)
	// Closing the connection on cancellation unblocks ReadMessage below.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(
					websocket.PingMessage, nil,
					time.Now().Add(5*time.Second),
				); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		pingCancel()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		updates := s.parseMessage(msg)
		for _, u := range updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Source) parseMessage(data []byte) []models.SessionUpdate {
	var msg plexWSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	if msg.NotificationContainer.Type != "playing" {
		return nil
	}
	updates := make([]models.SessionUpdate, 0, len(msg.NotificationContainer.PlaySessionStateNotification))
	for _, ps := range msg.NotificationContainer.PlaySessionStateNotification {
		updates = append(updates, models.SessionUpdate{
			ServerID:   s.serverID,
			SessionKey: ps.SessionKey,
			RatingKey:  ps.RatingKey,
			Kind:       eventKind(ps.State),
			ProgressMs: ps.ViewOffset,
		})
	}
	return updates
}

// eventKind maps plex's state strings onto push event kinds. Buffering and
// any future states degrade to a progress tick, the cheapest safe reading.
func eventKind(state string) models.PushEventKind {
	switch state {
	case "playing":
		return models.PushEventPlaying
	case "paused":
		return models.PushEventPaused
	case "stopped":
		return models.PushEventStopped
	default:
		return models.PushEventProgress
	}
}
