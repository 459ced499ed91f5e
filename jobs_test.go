package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJob_ProgressAndLogs(t *testing.T) {
	job := NewJob(nil)
	assert.Equal(t, StatusRunning, job.Status)

	job.SetProgress(25, 100, "quarter done")
	job.SetProgress(50, 0, "")
	job.Log("hello")

	view := job.View()
	assert.Equal(t, 25, view.Progress)
	require.Len(t, view.Logs, 2)
	assert.Contains(t, view.Logs[0], "quarter done")
	assert.Contains(t, view.Logs[1], "hello")

	// the view is a copy
	view.Logs[0] = "changed"
	assert.Contains(t, job.View().Logs[0], "quarter done")
}

func TestJob_FinishAndFail(t *testing.T) {
	done := NewJob(nil)
	done.Finish(&JobResult{Mode: "bucketed"})
	v := done.View()
	assert.Equal(t, StatusDone, v.Status)
	assert.Equal(t, 100, v.Progress)
	assert.Equal(t, "bucketed", v.Result.Mode)

	failed := NewJob(nil)
	failed.Fail("boom")
	v = failed.View()
	assert.Equal(t, StatusError, v.Status)
	assert.Equal(t, "boom", v.Error)
	assert.Equal(t, "[ERROR] boom", v.Logs[len(v.Logs)-1])
}

func TestJob_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := NewJob(cancel)

	assert.True(t, job.Cancel())
	assert.Error(t, ctx.Err())

	job.Fail("cancelled")
	assert.False(t, job.Cancel())
}

func TestJobStore(t *testing.T) {
	store := NewJobStore()
	ctx, cancel := context.WithCancel(context.Background())
	job := NewJob(cancel)
	store.Add(job)

	assert.Same(t, job, store.Get(job.ID))
	assert.Nil(t, store.Get("unknown"))

	store.CancelAll()
	assert.Error(t, ctx.Err())
}
