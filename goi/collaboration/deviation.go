package collaboration

import (
	"fmt"

	"github.com/c360studio/goi/goi"
)

// DeviationType grades how far the user strayed from the plan.
type DeviationType string

const (
	DeviationNone     DeviationType = "none"
	DeviationPartial  DeviationType = "partial"
	DeviationCritical DeviationType = "critical"
)

// Severity of one deviation issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is one finding of the detector.
type Issue struct {
	Severity Severity `json:"severity"`
	ItemID   string   `json:"itemId,omitempty"`
	Message  string   `json:"message"`
}

// Deviation is the comparison of a plan with the user's actions.
type Deviation struct {
	Type       DeviationType `json:"type"`
	IsBlocking bool          `json:"isBlocking"`
	Issues     []Issue       `json:"issues"`
}

// Errors returns the number of error issues.
func (d Deviation) Errors() int {
	n := 0
	for _, issue := range d.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return n
}

// DetectDeviation compares the reconciled plan (item statuses and who
// completed them) with the actions the user took while in control.
func DetectDeviation(plan *goi.TodoList, actions []TrackedAction) Deviation {
	d := Deviation{Type: DeviationNone, Issues: []Issue{}}
	if plan == nil {
		return d
	}

	index := make(map[string]int, len(plan.Items))
	for i, item := range plan.Items {
		index[item.ID] = i
	}

	// Unknown items and the order of the user's actions.
	lastTouched := -1
	outOfOrder := false
	for _, a := range actions {
		if a.ItemID == "" {
			continue
		}
		pos, ok := index[a.ItemID]
		if !ok {
			d.add(SeverityError, a.ItemID, fmt.Sprintf("action %q references unknown item", a.Kind))
			continue
		}
		if pos < lastTouched {
			outOfOrder = true
		}
		if pos > lastTouched {
			lastTouched = pos
		}
	}
	if outOfOrder {
		d.add(SeverityWarning, "", "items were completed out of plan order")
	}

	// The last completed item bounds what counts as bypassed.
	lastDone := -1
	for i, item := range plan.Items {
		if item.Status == goi.TodoCompleted {
			lastDone = i
		}
	}
	for i, item := range plan.Items {
		switch {
		case item.Status == goi.TodoSkipped && !item.Required:
			d.add(SeverityWarning, item.ID, fmt.Sprintf("optional item %q was skipped", item.Content))
		case item.Status == goi.TodoSkipped && item.Required:
			d.add(SeverityWarning, item.ID, fmt.Sprintf("required item %q was skipped by a reviewer", item.Content))
		case !item.Status.IsDone() && i < lastDone && item.Required:
			d.add(SeverityError, item.ID, fmt.Sprintf("required item %q was bypassed", item.Content))
		case !item.Status.IsDone() && i < lastDone:
			d.add(SeverityWarning, item.ID, fmt.Sprintf("optional item %q was bypassed", item.Content))
		}
	}

	switch {
	case d.Errors() > 0:
		d.Type = DeviationCritical
		d.IsBlocking = true
	case len(d.Issues) > 0:
		d.Type = DeviationPartial
	}
	return d
}

func (d *Deviation) add(sev Severity, itemID, msg string) {
	d.Issues = append(d.Issues, Issue{Severity: sev, ItemID: itemID, Message: msg})
}
