package offsync

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"
)

// ErrNoContext is returned when an attached controlling context did not
// answer a token request within the bounded wait.
var ErrNoContext = errors.New("no controlling context answered")

// Control message types exchanged with attached application contexts.
const (
	msgSkipWaiting = "SKIP_WAITING"
	msgGetToken    = "GET_TOKEN"
	msgToken       = "TOKEN"
	msgCacheURLs   = "CACHE_URLS"
	msgClearCache  = "CLEAR_CACHE"
	msgSync        = "SYNC"
	msgNotify      = "NOTIFY"
	msgNotifyClick = "NOTIFICATION_CLICK"
	msgFocus       = "FOCUS"
	msgOpen        = "OPEN"
)

type controlMessage struct {
	Type    string               `json:"type"`
	ID      int64                `json:"id,omitempty"`
	Token   string               `json:"token,omitempty"`
	URLs    []string             `json:"urls,omitempty"`
	URL     string               `json:"url,omitempty"`
	Focused bool                 `json:"focused,omitempty"`
	Title   string               `json:"title,omitempty"`
	Body    string               `json:"body,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

// bridge is the message channel between the engine and whichever
// application contexts are currently attached over the control websocket.
// The engine cannot read the application's memory; anything it needs from
// the application, such as the current auth token, goes through here as an
// explicit request/response exchange.
type bridge struct {
	tokenWait time.Duration

	mu      sync.Mutex
	clients []*bridgeClient // attachment order; Token addresses clients[0]
	nextID  int64
	pending map[int64]chan string

	onSkipWaiting func()
	onCacheURLs   func(urls []string)
	onClearCache  func()
	onSync        func()
	onClick       func(c *bridgeClient, url string, focused bool)
}

type bridgeClient struct {
	conn   *websocket.Conn
	sendMu sync.Mutex
}

func (c *bridgeClient) send(msg controlMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return websocket.JSON.Send(c.conn, msg)
}

func newBridge(tokenWait time.Duration) *bridge {
	return &bridge{
		tokenWait: tokenWait,
		pending:   map[int64]chan string{},
	}
}

// Handler returns the websocket endpoint attached contexts connect to.
func (b *bridge) Handler() websocket.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		c := &bridgeClient{conn: conn}
		b.attach(c)
		defer b.detach(c)
		b.readLoop(c)
	})
}

func (b *bridge) attach(c *bridgeClient) {
	b.mu.Lock()
	b.clients = append(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()
	log.Printf("bridge: context attached (%d total)", n)
}

func (b *bridge) detach(c *bridgeClient) {
	b.mu.Lock()
	for i, cur := range b.clients {
		if cur == c {
			b.clients = append(b.clients[:i], b.clients[i+1:]...)
			break
		}
	}
	n := len(b.clients)
	b.mu.Unlock()
	log.Printf("bridge: context detached (%d total)", n)
}

func (b *bridge) readLoop(c *bridgeClient) {
	for {
		var msg controlMessage
		if err := websocket.JSON.Receive(c.conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case msgToken:
			b.resolveToken(msg.ID, msg.Token)
		case msgSkipWaiting:
			if b.onSkipWaiting != nil {
				b.onSkipWaiting()
			}
		case msgCacheURLs:
			if b.onCacheURLs != nil {
				b.onCacheURLs(msg.URLs)
			}
		case msgClearCache:
			if b.onClearCache != nil {
				b.onClearCache()
			}
		case msgSync:
			if b.onSync != nil {
				b.onSync()
			}
		case msgNotifyClick:
			if b.onClick != nil {
				b.onClick(c, msg.URL, msg.Focused)
			}
		default:
			log.Printf("bridge: unknown message type %q", msg.Type)
		}
	}
}

func (b *bridge) resolveToken(id int64, token string) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		ch <- token
	}
}

// Attached reports how many contexts are currently connected.
func (b *bridge) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Token asks the first attached context for the current auth token. With
// no context attached it returns empty immediately rather than waiting;
// only one context is ever addressed so there are no duplicate answers.
// Tokens are never cached here, and a token that is already expired is
// treated as absent.
func (b *bridge) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	if len(b.clients) == 0 {
		b.mu.Unlock()
		return "", nil
	}
	first := b.clients[0]
	b.nextID++
	id := b.nextID
	ch := make(chan string, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := first.send(controlMessage{Type: msgGetToken, ID: id}); err != nil {
		return "", ErrNoContext
	}

	timer := time.NewTimer(b.tokenWait)
	defer timer.Stop()
	select {
	case token := <-ch:
		if token == "" || tokenExpired(token) {
			return "", nil
		}
		return token, nil
	case <-timer.C:
		return "", ErrNoContext
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Broadcast sends one message to every attached context.
func (b *bridge) Broadcast(msg controlMessage) {
	b.mu.Lock()
	clients := make([]*bridgeClient, len(b.clients))
	copy(clients, b.clients)
	b.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Printf("bridge: broadcast %s: %v", msg.Type, err)
		}
	}
}

// tokenExpired peeks at the exp claim without verifying the signature;
// verification is the backend's job. Opaque non-JWT tokens pass through.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
