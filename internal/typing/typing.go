package typing

import "time"

const (
	// DefaultIdle is how long the local side waits after the last keystroke
	// before announcing typing:stop.
	DefaultIdle = 2 * time.Second
	// DefaultRemoteTimeout clears a remote flag whose typing:stop never came.
	DefaultRemoteTimeout = 4 * time.Second
)

// Local turns keystrokes into edge-triggered start/stop notifications.
type Local struct {
	sched  Scheduler
	idle   time.Duration
	notify func(typing bool)

	active bool
	closed bool
	timer  Timer
	gen    uint64
}

// NewLocal calls notify(true) on the first keystroke after idle and
// notify(false) once on idle expiry or Sent.
func NewLocal(sched Scheduler, idle time.Duration, notify func(typing bool)) *Local {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Local{sched: sched, idle: idle, notify: notify}
}

// Keystroke records composer input and re-arms the idle timer.
func (l *Local) Keystroke() {
	if l.closed {
		return
	}
	if !l.active {
		l.active = true
		l.notify(true)
	}
	l.arm()
}

// Sent ends the typing burst immediately.
func (l *Local) Sent() {
	l.stop()
}

// Active reports whether a typing:start is outstanding.
func (l *Local) Active() bool { return l.active }

// Close stops any outstanding burst and ignores further keystrokes.
func (l *Local) Close() {
	l.stop()
	l.closed = true
}

func (l *Local) arm() {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.gen++
	gen := l.gen
	l.timer = l.sched.AfterFunc(l.idle, func() {
		// A callback already queued when the timer was re-armed is stale.
		if gen == l.gen {
			l.stop()
		}
	})
}

func (l *Local) stop() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	if l.active {
		l.active = false
		l.notify(false)
	}
}

// Remote tracks which other participants are typing.
type Remote struct {
	sched    Scheduler
	timeout  time.Duration
	onChange func(typing bool)

	users map[string]*remoteEntry
	gen   uint64
}

type remoteEntry struct {
	timer Timer
	gen   uint64
}

// NewRemote returns a Remote. A zero timeout keeps a flag until its stop
// event arrives. onChange fires whenever Typing flips.
func NewRemote(sched Scheduler, timeout time.Duration, onChange func(typing bool)) *Remote {
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Remote{sched: sched, timeout: timeout, onChange: onChange, users: make(map[string]*remoteEntry)}
}

func (r *Remote) Start(userID string) {
	was := r.Typing()
	e, ok := r.users[userID]
	if !ok {
		e = &remoteEntry{}
		r.users[userID] = e
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if r.timeout > 0 {
		r.gen++
		gen := r.gen
		e.gen = gen
		e.timer = r.sched.AfterFunc(r.timeout, func() {
			if cur, ok := r.users[userID]; ok && cur.gen == gen {
				r.Stop(userID)
			}
		})
	}
	if !was {
		r.onChange(true)
	}
}

func (r *Remote) Stop(userID string) {
	e, ok := r.users[userID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.users, userID)
	if !r.Typing() {
		r.onChange(false)
	}
}

// Typing reports whether anyone is typing.
func (r *Remote) Typing() bool { return len(r.users) > 0 }

// Clear drops every flag without notifying.
func (r *Remote) Clear() {
	for id, e := range r.users {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.users, id)
	}
}
