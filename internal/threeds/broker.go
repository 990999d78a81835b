package threeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MessageType is the kind of event the challenge window reports.
type MessageType string

const (
	MessageSuccess MessageType = "3DS_SUCCESS"
	MessageFailed  MessageType = "3DS_FAILED"
	// MessageClosed means the payer closed the window without finishing.
	MessageClosed MessageType = "3DS_CLOSED"
	// MessageBlocked means the browser refused to open the window.
	MessageBlocked MessageType = "3DS_BLOCKED"
)

// Message is one event from the challenge window.
type Message struct {
	Type    MessageType     `json:"type"`
	OrderID string          `json:"orderId"`
	Origin  string          `json:"origin"`
	Message string          `json:"message,omitempty"`
	// Payload carries the liability shift and authentication result.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrPopupBlocked is returned by an Opener that cannot open a window.
var ErrPopupBlocked = errors.New("threeds: popup blocked")

// Popup is the listening end of one open challenge window.
type Popup interface {
	Messages() <-chan Message
	Closed() <-chan struct{}
	// Release stops listening. It is safe to call more than once.
	Release()
}

// Opener opens challenge windows for a tab and routes window events back.
type Opener interface {
	Open(ctx context.Context, tabID, orderID string) (Popup, error)
	Deliver(ctx context.Context, tabID string, m Message) error
}

// popup fans decoded window events into the two channels Wait selects on.
type popup struct {
	msgs      chan Message
	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	stop      func()
}

func newPopup(stop func()) *popup {
	return &popup{msgs: make(chan Message, 4), closed: make(chan struct{}), stop: stop}
}

func (p *popup) Messages() <-chan Message { return p.msgs }
func (p *popup) Closed() <-chan struct{}  { return p.closed }

func (p *popup) Release() {
	p.stopOnce.Do(func() {
		if p.stop != nil {
			p.stop()
		}
	})
}

func (p *popup) dispatch(m Message) {
	if m.Type == MessageClosed {
		p.closeOnce.Do(func() { close(p.closed) })
		return
	}
	select {
	case p.msgs <- m:
	default:
		// the waiter resolves on the first message; later ones are noise
	}
}

// RedisBroker routes window events through Redis pub/sub so the instance
// that serves /3ds/return need not be the one waiting.
type RedisBroker struct {
	R      *redis.Client
	Logger zerolog.Logger
}

func brokerChannel(tabID string) string { return "checkout:3ds:events:" + tabID }

func (b RedisBroker) Open(ctx context.Context, tabID, orderID string) (Popup, error) {
	sub := b.R.Subscribe(ctx, brokerChannel(tabID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	done := make(chan struct{})
	p := newPopup(func() {
		close(done)
		_ = sub.Close()
	})
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
					b.Logger.Warn().Err(err).Str("tab_id", tabID).Msg("threeds_bad_event")
					continue
				}
				p.dispatch(m)
			}
		}
	}()
	return p, nil
}

func (b RedisBroker) Deliver(ctx context.Context, tabID string, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.R.Publish(ctx, brokerChannel(tabID), raw).Err()
}

// MemoryBroker is a process-local Opener.
type MemoryBroker struct {
	mu     sync.Mutex
	popups map[string]*popup
	// Blocked makes Open fail as a browser with a popup blocker would.
	Blocked bool
}

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{popups: map[string]*popup{}}
}

func (b *MemoryBroker) Open(_ context.Context, tabID, _ string) (Popup, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Blocked {
		return nil, ErrPopupBlocked
	}
	var p *popup
	p = newPopup(func() {
		b.mu.Lock()
		if b.popups[tabID] == p {
			delete(b.popups, tabID)
		}
		b.mu.Unlock()
	})
	b.popups[tabID] = p
	return p, nil
}

func (b *MemoryBroker) Deliver(_ context.Context, tabID string, m Message) error {
	b.mu.Lock()
	p := b.popups[tabID]
	b.mu.Unlock()
	if p != nil {
		p.dispatch(m)
	}
	return nil
}

// Listening reports whether a window is open for tab.
func (b *MemoryBroker) Listening(tabID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.popups[tabID]
	return ok
}
