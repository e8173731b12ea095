package saga

// Channel is the broker that matches published actions against pending
// subscriptions. Delivery is at-most-once and unbuffered: the oldest
// subscription whose pattern matches receives the action and is removed;
// an action with no matching subscription is dropped as far as the channel
// is concerned (the store still reduces it independently).
//
// IMPORTANT:
// A Channel is **intentionally NOT thread-safe**.
//
// It is designed with the assumption that each channel instance is owned
// by a **single goroutine** — in this package, the scheduler loop. The
// scheduler serializes every Subscribe/Publish/Cancel against task steps,
// so no synchronization is needed here. Sharing a Channel across
// goroutines without external serialization leads to data races.
type Channel struct {
	subs []*Subscription
}

// NewChannel returns an empty channel with no pending subscriptions.
func NewChannel() *Channel {
	return &Channel{}
}

// Subscription is a pending waiter registered via Subscribe. It is consumed
// at most once: the first matching publish resolves it and removes it.
type Subscription struct {
	match   matcher
	resolve func(Action)
	channel *Channel
	removed bool
}

// Subscribe registers a waiter for the given pattern. The pattern is either
// an action type string or a Predicate. resolve is invoked with the matched
// action, at most once, from the goroutine that calls Publish.
func (c *Channel) Subscribe(pattern any, resolve func(Action)) (*Subscription, error) {
	match, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		match:   match,
		resolve: resolve,
		channel: c,
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

// Publish delivers the action to the oldest subscription whose pattern
// matches, removing it. It reports whether any subscription was resolved.
func (c *Channel) Publish(action Action) bool {
	for i, sub := range c.subs {
		if !sub.match(action) {
			continue
		}
		c.subs = append(c.subs[:i], c.subs[i+1:]...)
		sub.removed = true
		sub.resolve(action)
		return true
	}
	return false
}

// Len returns the number of pending subscriptions.
func (c *Channel) Len() int {
	return len(c.subs)
}

// Cancel removes the subscription before a match, with no side effects.
// Cancelling an already-resolved or already-cancelled subscription is a no-op.
func (s *Subscription) Cancel() {
	if s.removed {
		return
	}
	s.removed = true
	for i, sub := range s.channel.subs {
		if sub == s {
			s.channel.subs = append(s.channel.subs[:i], s.channel.subs[i+1:]...)
			return
		}
	}
}
