package engine

import (
	"errors"
	"time"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

var errNoMessageDriver = errors.New("engine: no MessageDriver configured")

// Listen waits for a single message matching one of names, recording it as a
// KindMessage entry so replay returns the same message without re-querying
// MessageDriver. If deadline is non-nil, a miss yields a MessageWait carrying
// that deadline. Listen has no timeout result of its own: a call made after
// the deadline has passed polls again and, on a miss, yields again.
func (c *Context) Listen(name string, names []string, deadline *time.Time) (ReceivedMessage, error) {
	msgs, err := c.listenN(name, names, 1, deadline)
	if err != nil {
		return ReceivedMessage{}, err
	}
	return msgs[0], nil
}

// ListenN waits for exactly n messages matching names, recording each as an
// indexed KindMessage entry under this call site.
func (c *Context) ListenN(name string, names []string, n int, deadline *time.Time) ([]ReceivedMessage, error) {
	return c.listenN(name, names, n, deadline)
}

// ListenUntil waits for messages matching names until pred reports done,
// accumulating them; used for batch-collection patterns where the stop
// condition isn't a fixed count. Every accumulated message is recorded
// individually, same as ListenN, so pred itself need not be deterministic —
// only the recorded messages are replayed.
func (c *Context) ListenUntil(name string, names []string, deadline *time.Time, pred func([]ReceivedMessage) bool) ([]ReceivedMessage, error) {
	release, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	var collected []ReceivedMessage

	for i := 0; ; i++ {
		msgLoc := loc.Append(history.Segment{Kind: history.SegLoop, Name: "msg", Iteration: i})
		key := msgLoc.Key()
		if entry, ok := c.store.Get(key); ok && entry.Kind == history.KindMessage {
			collected = append(collected, ReceivedMessage{Name: entry.Message.Name, Data: entry.Message.Data})
			if pred(collected) {
				return collected, nil
			}
			continue
		}

		msg, err := c.receiveOne(names, deadline)
		if err != nil {
			return nil, err
		}
		entry := &history.Entry{ID: key, Location: msgLoc, Kind: history.KindMessage,
			Message: &history.MessageData{Name: msg.Name, Data: msg.Data}}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return nil, err
		}
		collected = append(collected, msg)
		if pred(collected) {
			return collected, nil
		}
	}
}

func (c *Context) listenN(name string, names []string, n int, deadline *time.Time) ([]ReceivedMessage, error) {
	release, err := c.enter(name)
	if err != nil {
		return nil, err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	out := make([]ReceivedMessage, 0, n)

	for i := 0; i < n; i++ {
		msgLoc := loc.Append(history.Segment{Kind: history.SegLoop, Name: "msg", Iteration: i})
		key := msgLoc.Key()
		if entry, ok := c.store.Get(key); ok && entry.Kind == history.KindMessage {
			out = append(out, ReceivedMessage{Name: entry.Message.Name, Data: entry.Message.Data})
			continue
		}

		msg, err := c.receiveOne(names, deadline)
		if err != nil {
			return nil, err
		}
		entry := &history.Entry{ID: key, Location: msgLoc, Kind: history.KindMessage,
			Message: &history.MessageData{Name: msg.Name, Data: msg.Data}}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// receiveOne polls MessageDriver once; a miss raises Yield{YieldMessageWait}
// for the driving engine to register interest and resume this call later.
func (c *Context) receiveOne(names []string, deadline *time.Time) (ReceivedMessage, error) {
	if c.messages == nil {
		return ReceivedMessage{}, &Critical{Cause: errNoMessageDriver}
	}

	msgs, err := c.messages.TryReceive(c.goCtx, c.WorkflowID, names, 1)
	if err != nil {
		return ReceivedMessage{}, err
	}
	if len(msgs) > 0 {
		return msgs[0], nil
	}
	y := &Yield{Kind: YieldMessageWait, Names: names}
	if deadline != nil {
		y.Deadline = *deadline
	}
	return ReceivedMessage{}, y
}
