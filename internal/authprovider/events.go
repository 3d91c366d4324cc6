package authprovider

import (
	"sort"

	"github.com/memhub/console/internal/models"
)

// OnAuthStateChange registers fn for auth transitions and returns a
// function that removes it. Listeners run synchronously on the goroutine
// that caused the transition.
func (c *Client) OnAuthStateChange(fn Listener) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(event models.AuthEvent, sess *models.Session) {
	c.listenersMu.Lock()

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}

	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(event, sess)
	}
}
