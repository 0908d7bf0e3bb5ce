// Package trigger models the event that initiates a run and decides whether
// a workflow's declared triggers admit it.
package trigger

import (
	"fmt"
	"path"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vk/jobgridgo/internal/model"
)

// Event is the kind of occurrence that started a run.
type Event string

// The supported event kinds.
const (
	EventPush        Event = "push"
	EventPullRequest Event = "pull_request"
	EventSchedule    Event = "schedule"
	EventManual      Event = "manual"
)

// ParseEvent validates a raw event name from the CLI.
func ParseEvent(raw string) (Event, error) {
	switch Event(raw) {
	case EventPush, EventPullRequest, EventSchedule, EventManual:
		return Event(raw), nil
	}
	return "", fmt.Errorf("unknown event kind %q (expected push, pull_request, schedule, or manual)", raw)
}

// Context describes the trigger event. It is an input to condition
// evaluation and to workflow-level gating, never mutated after creation.
type Context struct {
	Event  Event
	Branch string
	IsFork bool
	Actor  string
	Now    time.Time
}

// Admits reports whether the workflow's trigger declarations accept the
// event. A run that is not admitted produces an empty, Skipped report.
func Admits(triggers model.Triggers, tc Context) bool {
	switch tc.Event {
	case EventPush:
		if triggers.Push == nil {
			return false
		}
		return branchMatches(triggers.Push.Branches, tc.Branch)
	case EventPullRequest:
		return triggers.PullRequest
	case EventManual:
		return triggers.Manual
	case EventSchedule:
		for _, s := range triggers.Schedules {
			if cronFiresAt(s.Cron, tc.Now) {
				return true
			}
		}
		return false
	}
	return false
}

// branchMatches applies push branch filters. Filters use path.Match
// patterns, so "release/*" works; an empty filter list admits everything.
func branchMatches(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// cronFiresAt reports whether the cron spec fires during the minute
// containing t. Specs are validated at load time; an unparseable spec here
// simply does not fire.
func cronFiresAt(spec string, t time.Time) bool {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return false
	}
	minute := t.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
