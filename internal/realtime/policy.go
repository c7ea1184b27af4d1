package realtime

import (
	"time"

	"skatedm-client/internal/models"
)

// Policy bounds reconnection for one namespace.
type Policy struct {
	// Attempts is how many reconnections are tried after a failure before
	// the connection gives up and enters StateFailed.
	Attempts       int
	BaseDelay      time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration
}

const (
	defaultBaseDelay      = time.Second
	defaultMinDelay       = time.Second
	defaultMaxDelay       = 5 * time.Second
	defaultConnectTimeout = 20 * time.Second
)

// MessagesPolicy is used for the /messages namespace.
func MessagesPolicy() Policy {
	return Policy{
		Attempts:       10,
		BaseDelay:      defaultBaseDelay,
		MinDelay:       defaultMinDelay,
		MaxDelay:       defaultMaxDelay,
		ConnectTimeout: defaultConnectTimeout,
	}
}

// FeedPolicy is used for the /feed namespace.
func FeedPolicy() Policy {
	p := MessagesPolicy()
	p.Attempts = 5
	return p
}

// PolicyFor returns the default policy of a namespace.
func PolicyFor(namespace string) Policy {
	if namespace == models.NamespaceFeed {
		return FeedPolicy()
	}
	return MessagesPolicy()
}

// Delay is the wait before reconnection attempt n (1-based): BaseDelay*n
// clamped to [MinDelay, MaxDelay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
