package coordinator

import (
	"time"

	"github.com/vk/jobgridgo/internal/dag"
)

// Event records one state transition of one job instance. The shape is a
// stable contract: observability collaborators and tests both consume it.
type Event struct {
	Job         string
	Coordinates string
	From        dag.State
	To          dag.State
	Reason      dag.Reason
	Time        time.Time
}

// Observer receives every transition event, in order, from the coordinator
// goroutine. Implementations must not block.
type Observer func(Event)
