package core

import (
	"sort"

	"worksync.agent/internal/core/model"
)

// HighWaterMark returns the sort key of the assignment tied to the most
// recently completed session, i.e. the closed session whose assignment sorts
// last. The bool is false when the worker has no closed session today.
func HighWaterMark(sessions []model.WorkSession, assignments []model.AssignmentRecord) (string, bool) {
	keyByID := make(map[string]string, len(assignments))
	for _, a := range assignments {
		keyByID[a.ID] = a.SortKey
	}

	mark := ""
	found := false
	for _, s := range sessions {
		if s.EndTime == nil {
			continue
		}
		key, ok := keyByID[s.AssignmentID]
		if !ok {
			continue
		}
		if !found || key > mark {
			mark = key
			found = true
		}
	}
	return mark, found
}

// Classify assigns exactly one status to each assignment in the worker's
// day. Input order does not matter; the result is ordered by sort key
// ascending (ties stay in input order).
//
// Rules, applied per assignment:
//  1. the open session's assignment is active;
//  2. anything at or before the high-water mark is completed;
//  3. with no session open, the first assignment past the mark is next;
//  4. everything else is pending.
//
// At most one assignment is next, and none while a session is open.
func Classify(assignments []model.AssignmentRecord, open *model.WorkSession, highWater string, hasHighWater bool) []model.ClassifiedAssignment {
	ordered := make([]model.AssignmentRecord, len(assignments))
	copy(ordered, assignments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SortKey < ordered[j].SortKey
	})

	out := make([]model.ClassifiedAssignment, 0, len(ordered))
	nextClaimed := false
	for _, a := range ordered {
		status := model.StatusPending
		switch {
		case open.Open() && open.AssignmentID == a.ID:
			status = model.StatusActive
		case hasHighWater && a.SortKey <= highWater:
			status = model.StatusCompleted
		case !open.Open() && !nextClaimed:
			status = model.StatusNext
			nextClaimed = true
		}
		out = append(out, model.ClassifiedAssignment{AssignmentRecord: a, Status: status})
	}
	return out
}

// NextAssignmentID returns the id of the assignment currently classified as
// next, or "" if none. Used as the offline fallback for check-in validation.
func NextAssignmentID(assignments []model.AssignmentRecord, open *model.WorkSession, highWater string, hasHighWater bool) string {
	for _, c := range Classify(assignments, open, highWater, hasHighWater) {
		if c.Status == model.StatusNext {
			return c.ID
		}
	}
	return ""
}
