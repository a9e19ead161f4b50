package offline0

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ClientState is the consumer-side view: a page is either controlled by a
// worker or not.
type ClientState int

const (
	ClientUncontrolled ClientState = iota
	ClientControlled
)

func (s ClientState) String() string {
	if s == ClientControlled {
		return "controlled"
	}
	return "uncontrolled"
}

// Client is one open page served through the registration.
type Client struct {
	ID string

	reg *Registration

	mu         sync.Mutex
	controller *Worker

	reloaded atomic.Bool
	onReload func()
	onChange func(*Worker)
}

// NewClient returns a consumer. onReload runs at most once for the lifetime
// of the client; onChange (optional) sees every controller change.
func NewClient(id string, onReload func(), onChange func(*Worker)) *Client {
	return &Client{ID: id, onReload: onReload, onChange: onChange}
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controller == nil {
		return ClientUncontrolled
	}
	return ClientControlled
}

func (c *Client) Controller() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Client) setController(w *Worker) {
	c.mu.Lock()
	c.controller = w
	c.mu.Unlock()
}

// workerInstalled: a controlled page that sees a new waiting worker asks it
// to take over.
func (c *Client) workerInstalled(w *Worker) {
	if c.State() != ClientControlled || c.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := c.reg.PostMessage(ctx, Message{Type: MessageSkipWaiting})
	if err != nil && !errors.Is(err, ErrNoWaitingWorker) {
		log.WithFields(log.Fields{"client": c.ID, "worker": w.ID()}).Warnf("skip waiting: %v", err)
	}
}

func (c *Client) controllerChanged(w *Worker) {
	c.mu.Lock()
	same := c.controller == w
	c.controller = w
	c.mu.Unlock()
	if same {
		return
	}
	if c.onChange != nil {
		c.onChange(w)
	}
	c.reload()
}

// reload fires onReload the first time only, no matter how many controller
// changes follow.
func (c *Client) reload() {
	if !c.reloaded.CompareAndSwap(false, true) {
		return
	}
	log.WithField("client", c.ID).Info("reloading client for new controller")
	if c.onReload != nil {
		c.onReload()
	}
}

// Reloaded reports whether the reload latch has fired.
func (c *Client) Reloaded() bool { return c.reloaded.Load() }
