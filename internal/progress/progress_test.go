package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storyreel/internal/models"
)

func TestProject(t *testing.T) {
	errText := "provider timeout"

	cases := []struct {
		name string
		job  models.Job
		want View
	}{
		{
			name: "pending",
			job:  models.Job{Status: models.StatusPending},
			want: View{Percent: 0, Message: "Queued", Severity: SeverityWarning},
		},
		{
			name: "running without payload",
			job:  models.Job{Status: models.StatusRunning},
			want: View{Percent: 0, Message: "Queued", Severity: SeverityWarning},
		},
		{
			name: "running with payload",
			job: models.Job{
				Status:   models.StatusRunning,
				Progress: &models.Progress{Percent: 42, Message: "rendering page 3"},
			},
			want: View{Percent: 42, Message: "rendering page 3", Severity: SeverityInfo},
		},
		{
			name: "done",
			job:  models.Job{Status: models.StatusDone},
			want: View{Percent: 100, Message: "Completed", Severity: SeveritySuccess},
		},
		{
			name: "failed",
			job:  models.Job{Status: models.StatusFailed, Error: &errText},
			want: View{Percent: 0, Message: "provider timeout", Severity: SeverityFailure},
		},
		{
			name: "failed without error text",
			job:  models.Job{Status: models.StatusFailed},
			want: View{Percent: 0, Message: "Failed", Severity: SeverityFailure},
		},
		{
			name: "percent clamped",
			job: models.Job{
				Status:   models.StatusRunning,
				Progress: &models.Progress{Percent: 180},
			},
			want: View{Percent: 100, Message: "", Severity: SeverityInfo},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Project(tc.job))
		})
	}
}

func TestProjectDoesNotMutate(t *testing.T) {
	job := models.Job{
		Status:   models.StatusRunning,
		Progress: &models.Progress{Percent: 10, Message: "drawing"},
	}
	before := job.Clone()
	_ = Project(job)
	require.Equal(t, before, job)
}
