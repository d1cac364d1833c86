// Package progress derives the user-facing presentation of a job's raw
// state. It is a pure read-side transform with no side effects.
package progress

import "storyreel/internal/models"

// Severity classifies a projection for UI styling.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
	SeverityFailure Severity = "failure"
)

// View is the presentation triple rendered by observers.
type View struct {
	Percent  int      `json:"percent"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Project maps a job's raw state to its presentation. It never mutates the
// job and is safe to call repeatedly.
func Project(job models.Job) View {
	switch job.Status {
	case models.StatusRunning:
		if job.Progress == nil {
			return View{Percent: 0, Message: "Queued", Severity: SeverityWarning}
		}
		return View{
			Percent:  clampPercent(job.Progress.Percent),
			Message:  job.Progress.Message,
			Severity: SeverityInfo,
		}
	case models.StatusDone:
		return View{Percent: 100, Message: "Completed", Severity: SeveritySuccess}
	case models.StatusFailed:
		msg := "Failed"
		if job.Error != nil && *job.Error != "" {
			msg = *job.Error
		}
		return View{Percent: 0, Message: msg, Severity: SeverityFailure}
	default:
		return View{Percent: 0, Message: "Queued", Severity: SeverityWarning}
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
