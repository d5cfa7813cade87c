// Package tradingctx holds the user's trading focus: the active ticker
// and its predecessor, with synchronous change notification.
package tradingctx

import (
	"sync"

	"ignitionflow/logger"
)

// Subscriber observes active-ticker changes.
type Subscriber func(active, previous string)

// Context is the shared focus cell. SetActive is serialized; subscriber
// callbacks run in registration order on the caller's goroutine, and a
// panic in one does not stop the rest.
type Context struct {
	mu       sync.Mutex
	active   string
	previous string
	subs     []Subscriber
	log      *logger.Log
}

func New() *Context {
	return &Context{log: logger.GetLogger()}
}

// Subscribe registers a callback for subsequent changes.
func (c *Context) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// SetActive updates the focus. Setting the current value is a no-op and
// notifies nobody.
func (c *Context) SetActive(ticker string) {
	c.mu.Lock()
	if ticker == c.active {
		c.mu.Unlock()
		return
	}
	c.previous = c.active
	c.active = ticker
	active, previous := c.active, c.previous
	subs := make([]Subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	c.log.WithComponent("tradingctx").WithFields(logger.Fields{
		"active":   active,
		"previous": previous,
	}).Info("active ticker changed")

	for _, fn := range subs {
		c.notify(fn, active, previous)
	}
}

func (c *Context) notify(fn Subscriber, active, previous string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithComponent("tradingctx").WithFields(logger.Fields{
				"panic": r,
			}).Error("subscriber panicked on active ticker change")
		}
	}()
	fn(active, previous)
}

// Active returns the current focus ticker, empty when unset.
func (c *Context) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Previous returns the prior focus ticker.
func (c *Context) Previous() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previous
}
