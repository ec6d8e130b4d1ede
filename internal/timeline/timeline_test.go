package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordStampsTimestampWhenUnset(t *testing.T) {
	s := New()
	s.Record(Event{TaskID: "task-1", Stage: StageStaged})

	events := s.EventsForTask("task-1")
	require.Len(t, events, 1)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestEventsForTaskFiltersAndPreservesOrder(t *testing.T) {
	s := New()
	s.Record(Event{TaskID: "task-1", Stage: StageStaged, Timestamp: time.Now()})
	s.Record(Event{TaskID: "task-2", Stage: StageStaged, Timestamp: time.Now()})
	s.Record(Event{TaskID: "task-1", Stage: StageAssigned, ShuttleID: "s1", Timestamp: time.Now()})
	s.Record(Event{TaskID: "task-1", Stage: StageTaskComplete, ShuttleID: "s1", Timestamp: time.Now()})

	events := s.EventsForTask("task-1")
	require.Len(t, events, 3)
	require.Equal(t, StageStaged, events[0].Stage)
	require.Equal(t, StageAssigned, events[1].Stage)
	require.Equal(t, StageTaskComplete, events[2].Stage)
}

func TestEventsForShuttleFilters(t *testing.T) {
	s := New()
	s.Record(Event{TaskID: "task-1", Stage: StageAssigned, ShuttleID: "s1", Timestamp: time.Now()})
	s.Record(Event{TaskID: "task-2", Stage: StageAssigned, ShuttleID: "s2", Timestamp: time.Now()})

	events := s.EventsForShuttle("s1")
	require.Len(t, events, 1)
	require.Equal(t, "task-1", events[0].TaskID)
}

func TestAllReturnsACopy(t *testing.T) {
	s := New()
	s.Record(Event{TaskID: "task-1", Stage: StageStaged, Timestamp: time.Now()})

	all := s.All()
	all[0].Stage = "MUTATED"

	require.Equal(t, StageStaged, s.All()[0].Stage)
}
