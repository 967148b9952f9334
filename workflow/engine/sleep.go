package engine

import (
	"time"

	"github.com/rivetkit-go/rivetkit/workflow/history"
)

// Sleep suspends the workflow until deadline, recording a KindSleep entry so
// that replay recognizes an already-elapsed sleep and returns immediately.
// A live (non-replay) call raises Yield{Kind: YieldSleep} for the driving
// engine to schedule a wakeup via AlarmDriver and persist the suspension.
func (c *Context) Sleep(name string, deadline time.Time) error {
	release, err := c.enter(name)
	if err != nil {
		return err
	}
	defer release()

	loc := c.location.Append(history.Segment{Kind: history.SegName, Name: name})
	key := loc.Key()

	entry, ok := c.store.Get(key)
	if ok && entry.Kind != history.KindSleep {
		return &HistoryDivergence{Reason: "key \"" + key + "\" recorded as a different entry kind"}
	}
	if ok && entry.Sleep.State == history.SleepCompleted {
		return nil
	}
	if ok && entry.Sleep.State == history.SleepInterrupted {
		return &Evicted{WorkflowID: c.WorkflowID}
	}

	if nowMs() >= deadline.UnixMilli() {
		entry = &history.Entry{ID: key, Location: loc, Kind: history.KindSleep,
			Sleep: &history.SleepData{DeadlineMs: deadline.UnixMilli(), State: history.SleepCompleted}}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return err
		}
		return nil
	}

	if !ok {
		entry = &history.Entry{ID: key, Location: loc, Kind: history.KindSleep,
			Sleep: &history.SleepData{DeadlineMs: deadline.UnixMilli(), State: history.SleepPending}}
		c.store.Put(key, entry)
		if err := c.store.Flush(c.goCtx); err != nil {
			return err
		}
	}

	if c.alarms != nil {
		if err := c.alarms.SetAlarm(c.goCtx, c.WorkflowID, deadline); err != nil {
			return err
		}
	}
	return &Yield{Kind: YieldSleep, Deadline: deadline}
}
