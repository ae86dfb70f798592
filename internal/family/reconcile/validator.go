// Package reconcile decides whether the births found in the family registry
// agree with the activity history an applicant declared.
//
// Child-birth leave (activity code 07) is expected to start up to 126 days
// after the birth, so each leave window is widened backwards by that lead time
// before matching. A birth close to the start of a work activity means the
// declared history cannot be trusted and the record is flagged.
package reconcile

import (
	"slices"
	"time"

	"pfexchange/internal/family/models"
)

const (
	// ChildBirthLeadDays widens child-birth leave windows backwards.
	ChildBirthLeadDays = 126
	// WorkGraceDays is how long before a work activity a birth still affects it.
	WorkGraceDays = 80
)

// Reason explains a verdict in terms an operator can act on.
type Reason string

const (
	ReasonNoActivities        Reason = "no activities declared"
	ReasonUncoveredBirths     Reason = "births inside activity periods but no child-birth leave declared"
	ReasonUnusedLeave         Reason = "child-birth leave declared but no births inside activity periods"
	ReasonWorkAffected        Reason = "birth overlaps the start of a work activity"
	ReasonUnmatchedBirths     Reason = "births not covered by any child-birth leave"
	ReasonUnclaimedLeave      Reason = "child-birth leave without a matching birth"
	ReasonAllBirthsReconciled Reason = "all births reconciled"
)

type Result struct {
	Verdict                models.Status
	Reason                 Reason
	WorkActivitiesAffected bool
	AllBirthsMatched       bool
	AllWindowsClaimed      bool
	BirthsInPeriod         int
	Unmatched              []time.Time
	ClaimedWindows         int
	TotalWindows           int
}

type window struct {
	begin time.Time
	end   time.Time
}

func (w window) contains(d time.Time) bool {
	return !d.Before(w.begin) && !d.After(w.end)
}

// EligibleBirths returns the birth dates of children whose registered mother is
// the applicant. Children without a known birth date are skipped.
func EligibleBirths(nationalID string, children []models.Child) []time.Time {
	births := make([]time.Time, 0, len(children))
	for _, c := range children {
		if !c.BornTo(nationalID) || c.BirthDate == nil {
			continue
		}
		births = append(births, models.TruncateDay(*c.BirthDate))
	}
	slices.SortFunc(births, func(a, b time.Time) int { return a.Compare(b) })
	return births
}

// Validate reconciles births against declared activities.
func Validate(activities []models.Activity, births []time.Time) Result {
	if len(activities) == 0 {
		return Result{
			Verdict:           models.StatusCompleted,
			Reason:            ReasonNoActivities,
			AllBirthsMatched:  true,
			AllWindowsClaimed: true,
		}
	}

	var leave, work, affected []window
	for _, a := range activities {
		w := window{begin: models.TruncateDay(a.Begin), end: models.TruncateDay(a.End)}
		if !a.IsChildBirth() {
			affected = append(affected, w)
		}
		if !a.IsCounted() {
			continue
		}
		if a.IsChildBirth() {
			w.begin = w.begin.AddDate(0, 0, -ChildBirthLeadDays)
			leave = append(leave, w)
		} else {
			work = append(work, w)
		}
	}
	slices.SortFunc(leave, func(a, b window) int { return a.begin.Compare(b.begin) })

	var inPeriod []time.Time
	for _, b := range births {
		if anyContains(work, b) || anyContains(leave, b) {
			inPeriod = append(inPeriod, b)
		}
	}

	res := Result{
		BirthsInPeriod: len(inPeriod),
		TotalWindows:   len(leave),
	}

	if len(inPeriod) > 0 && len(leave) == 0 {
		res.Verdict = models.StatusDifferent
		res.Reason = ReasonUncoveredBirths
		return res
	}
	if len(inPeriod) == 0 && len(leave) > 0 {
		res.Verdict = models.StatusDifferent
		res.Reason = ReasonUnusedLeave
		return res
	}

	// Work overlap is judged on every eligible birth and wins over matching.
	res.WorkActivitiesAffected = workAffected(affected, births)
	if !res.WorkActivitiesAffected {
		claimed := make([]bool, len(leave))
		for _, b := range inPeriod {
			matched := false
			for i, w := range leave {
				if w.contains(b) {
					matched = true
					claimed[i] = true
				}
			}
			if !matched {
				res.Unmatched = append(res.Unmatched, b)
			}
		}
		for _, c := range claimed {
			if c {
				res.ClaimedWindows++
			}
		}
	}

	res.AllBirthsMatched = len(res.Unmatched) == 0
	res.AllWindowsClaimed = res.ClaimedWindows == res.TotalWindows

	switch {
	case res.WorkActivitiesAffected:
		res.Verdict = models.StatusDifferent
		res.Reason = ReasonWorkAffected
	case !res.AllBirthsMatched:
		res.Verdict = models.StatusDifferent
		res.Reason = ReasonUnmatchedBirths
	case !res.AllWindowsClaimed:
		res.Verdict = models.StatusDifferent
		res.Reason = ReasonUnclaimedLeave
	default:
		res.Verdict = models.StatusCompleted
		res.Reason = ReasonAllBirthsReconciled
	}
	return res
}

func anyContains(windows []window, d time.Time) bool {
	for _, w := range windows {
		if w.contains(d) {
			return true
		}
	}
	return false
}

func workAffected(activities []window, births []time.Time) bool {
	for _, b := range births {
		for _, w := range activities {
			if b.After(w.begin.AddDate(0, 0, -WorkGraceDays)) {
				return true
			}
		}
	}
	return false
}
