package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worksync.agent/internal/core/model"
)

func assignment(id, sortKey string) model.AssignmentRecord {
	return model.AssignmentRecord{ID: id, WorkerID: "w1", AssignedDate: "2026-09-01", SortKey: sortKey}
}

func closedSession(assignmentID string) model.WorkSession {
	end := time.Now()
	return model.WorkSession{ID: "s-" + assignmentID, WorkerID: "w1", AssignmentID: assignmentID, EndTime: &end}
}

func statusByID(out []model.ClassifiedAssignment) map[string]model.AssignmentStatus {
	m := make(map[string]model.AssignmentStatus, len(out))
	for _, c := range out {
		m[c.ID] = c.Status
	}
	return m
}

func TestClassifyOrderingAfterCompletion(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("a1", "a"),
		assignment("a2", "b"),
		assignment("a3", "c"),
	}
	sessions := []model.WorkSession{closedSession("a1")}

	hwm, ok := HighWaterMark(sessions, assignments)
	require.True(t, ok)
	require.Equal(t, "a", hwm)

	statuses := statusByID(Classify(assignments, nil, hwm, ok))
	assert.Equal(t, model.StatusCompleted, statuses["a1"])
	assert.Equal(t, model.StatusNext, statuses["a2"])
	assert.Equal(t, model.StatusPending, statuses["a3"])
}

func TestClassifyDayLifecycle(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("proj-a", "01"),
		assignment("proj-b", "02"),
	}

	// Fresh day: nothing done, nothing open.
	statuses := statusByID(Classify(assignments, nil, "", false))
	assert.Equal(t, model.StatusNext, statuses["proj-a"])
	assert.Equal(t, model.StatusPending, statuses["proj-b"])

	// Checked in to A.
	open := &model.WorkSession{ID: "s1", AssignmentID: "proj-a"}
	statuses = statusByID(Classify(assignments, open, "", false))
	assert.Equal(t, model.StatusActive, statuses["proj-a"])
	assert.Equal(t, model.StatusPending, statuses["proj-b"])

	// Checked out of A.
	hwm, ok := HighWaterMark([]model.WorkSession{closedSession("proj-a")}, assignments)
	require.True(t, ok)
	require.Equal(t, "01", hwm)
	statuses = statusByID(Classify(assignments, nil, hwm, ok))
	assert.Equal(t, model.StatusCompleted, statuses["proj-a"])
	assert.Equal(t, model.StatusNext, statuses["proj-b"])
}

func TestClassifyAtMostOneNextAndNoneWhileOpen(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("a1", "a"),
		assignment("a2", "b"),
		assignment("a3", "c"),
		assignment("a4", "d"),
	}

	countNext := func(out []model.ClassifiedAssignment) int {
		n := 0
		for _, c := range out {
			if c.Status == model.StatusNext {
				n++
			}
		}
		return n
	}

	assert.Equal(t, 1, countNext(Classify(assignments, nil, "", false)))
	assert.Equal(t, 1, countNext(Classify(assignments, nil, "b", true)))
	// All completed: no next left.
	assert.Equal(t, 0, countNext(Classify(assignments, nil, "d", true)))

	open := &model.WorkSession{ID: "s1", AssignmentID: "a3"}
	assert.Equal(t, 0, countNext(Classify(assignments, open, "b", true)))
}

func TestClassifySortsBySortKey(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("a3", "c"),
		assignment("a1", "a"),
		assignment("a2", "b"),
	}
	out := Classify(assignments, nil, "", false)
	require.Len(t, out, 3)
	assert.Equal(t, "a1", out[0].ID)
	assert.Equal(t, "a2", out[1].ID)
	assert.Equal(t, "a3", out[2].ID)
}

func TestHighWaterMarkIgnoresOpenAndUnknownSessions(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("a1", "a"),
		assignment("a2", "b"),
	}

	_, ok := HighWaterMark(nil, assignments)
	assert.False(t, ok)

	// Open session does not move the mark.
	open := model.WorkSession{ID: "s1", AssignmentID: "a2"}
	_, ok = HighWaterMark([]model.WorkSession{open}, assignments)
	assert.False(t, ok)

	// A closed session against a deleted assignment is skipped.
	hwm, ok := HighWaterMark([]model.WorkSession{closedSession("gone"), closedSession("a1")}, assignments)
	require.True(t, ok)
	assert.Equal(t, "a", hwm)
}

func TestNextAssignmentID(t *testing.T) {
	assignments := []model.AssignmentRecord{
		assignment("a1", "a"),
		assignment("a2", "b"),
	}
	assert.Equal(t, "a1", NextAssignmentID(assignments, nil, "", false))
	assert.Equal(t, "a2", NextAssignmentID(assignments, nil, "a", true))
	assert.Equal(t, "", NextAssignmentID(assignments, nil, "b", true))
	assert.Equal(t, "", NextAssignmentID(assignments, &model.WorkSession{ID: "s1", AssignmentID: "a1"}, "", false))
}
