package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// === Job System ===

type JobStatus string

const (
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

type JobResult struct {
	Mode       string   `json:"mode"`
	Matches    int      `json:"matches"`
	Excluded   int      `json:"excluded"`
	Partitions []string `json:"partitions"`
	Files      []string `json:"files"`
	Dir        string   `json:"-"`
}

type Job struct {
	ID        string
	Status    JobStatus
	Logs      []string
	Progress  int // 0-100
	Result    *JobResult
	Error     string
	CancelFn  context.CancelFunc
	Mutex     sync.RWMutex
	CreatedAt time.Time
}

// JobView is a consistent copy of a job's state.
type JobView struct {
	ID        string     `json:"id"`
	Status    JobStatus  `json:"status"`
	Progress  int        `json:"progress"`
	Logs      []string   `json:"logs"`
	Error     string     `json:"error,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func NewJob(cancel context.CancelFunc) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Logs:      []string{},
		CancelFn:  cancel,
		CreatedAt: time.Now(),
	}
}

func (j *Job) Log(msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.appendLog(msg)
}

func (j *Job) appendLog(msg string) {
	ts := time.Now().Format("15:04:05")
	j.Logs = append(j.Logs, fmt.Sprintf("[%s] %s", ts, msg))
}

func (j *Job) SetProgress(current, total int64, msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	if total > 0 {
		j.Progress = int(float64(current) / float64(total) * 100)
	}
	if msg != "" {
		j.appendLog(msg)
	}
}

func (j *Job) Finish(res *JobResult) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.Status = StatusDone
	j.Result = res
	j.Progress = 100
	j.appendLog("Analysis finished.")
}

func (j *Job) Fail(msg string) {
	j.Mutex.Lock()
	defer j.Mutex.Unlock()
	j.Status = StatusError
	j.Error = msg
	j.Logs = append(j.Logs, "[ERROR] "+msg)
}

// Cancel stops a running job. It reports false when the job already ended.
func (j *Job) Cancel() bool {
	j.Mutex.Lock()
	running := j.Status == StatusRunning
	if running {
		j.appendLog("Cancellation requested by user.")
	}
	j.Mutex.Unlock()
	if running && j.CancelFn != nil {
		j.CancelFn()
	}
	return running
}

func (j *Job) View() JobView {
	j.Mutex.RLock()
	defer j.Mutex.RUnlock()
	logs := make([]string, len(j.Logs))
	copy(logs, j.Logs)
	return JobView{
		ID:        j.ID,
		Status:    j.Status,
		Progress:  j.Progress,
		Logs:      logs,
		Error:     j.Error,
		Result:    j.Result,
		CreatedAt: j.CreatedAt,
	}
}

// JobStore keeps every job of the server's lifetime.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*Job)}
}

func (s *JobStore) Add(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *JobStore) Get(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// CancelAll cancels every running job, used on shutdown.
func (s *JobStore) CancelAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		j.Cancel()
	}
}
