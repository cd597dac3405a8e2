package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/floorops/jobs"
)

func TestBuildTaskKnownJobs(t *testing.T) {
	now := time.Date(2026, 10, 16, 5, 0, 0, 0, time.UTC)

	task, err := buildTask(jobs.TaskAuditSample, "2026-10-15", now)
	require.NoError(t, err)
	var sample jobs.AuditSamplePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &sample))
	require.Equal(t, "2026-10-15", sample.Date)

	task, err = buildTask(jobs.TaskLedgerVerify, "", now)
	require.NoError(t, err)
	var verify jobs.LedgerVerifyPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &verify))
	require.True(t, verify.ScheduledFor.Equal(now))

	task, err = buildTask(jobs.TaskLeaseSweep, "", now)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskLeaseSweep, task.Type())
}

func TestBuildTaskRejectsUnknownJob(t *testing.T) {
	_, err := buildTask("finance:refresh", "", time.Now())
	require.Error(t, err)
}

func TestRunUsageErrors(t *testing.T) {
	var c *JobsCLI
	ctx := context.Background()

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Equal(t, 2, c.Run(ctx, nil, stdout, stderr))
	require.Contains(t, stderr.String(), "usage")

	stderr.Reset()
	require.Equal(t, 2, c.Run(ctx, []string{"purge"}, stdout, stderr))
	require.Contains(t, stderr.String(), "unknown command")

	stderr.Reset()
	require.Equal(t, 2, c.Run(ctx, []string{"trigger"}, stdout, stderr))

	stderr.Reset()
	require.Equal(t, 1, c.Run(ctx, []string{"trigger", jobs.TaskLedgerVerify}, stdout, stderr))
	require.Contains(t, stderr.String(), "client not configured")

	stderr.Reset()
	require.Equal(t, 1, c.Run(ctx, []string{"stats"}, stdout, stderr))
	require.Empty(t, stdout.String())
}
