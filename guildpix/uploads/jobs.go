// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package uploads

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	jobsListKey  = "upload:jobs"
	jobKeyPrefix = "upload:job:"

	jobTTL = 24 * time.Hour
	// terminalTTL keeps finished job records around long enough for
	// late pollers.
	terminalTTL = 10 * time.Minute
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// UploadedFile is one object stored by a zip job.
type UploadedFile struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
}

// FailedFile is one archive entry that could not be stored.
type FailedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// JobProgress is the progress section of a job record. Intermediate
// updates carry empty (never nil) file lists; the terminal update
// materializes them fully.
type JobProgress struct {
	ProcessedFiles int            `json:"processedFiles"`
	TotalFiles     int            `json:"totalFiles"`
	UploadedFiles  []UploadedFile `json:"uploadedFiles"`
	FailedFiles    []FailedFile   `json:"failedFiles"`
}

// Job is the persistent record of one async zip upload.
type Job struct {
	JobID       string      `json:"jobId"`
	GuildID     string      `json:"guildId"`
	GalleryName string      `json:"galleryName"`
	Filename    string      `json:"filename"`
	FileSize    int64       `json:"fileSize"`
	Status      string      `json:"status"`
	CreatedAt   int64       `json:"createdAt"`
	StartedAt   int64       `json:"startedAt,omitempty"`
	CompletedAt int64       `json:"completedAt,omitempty"`
	Error       string      `json:"error,omitempty"`
	Progress    JobProgress `json:"progress"`
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func (controller *Controller) createJob(ctx context.Context, guildID, galleryName, filename string, fileSize int64) (*Job, error) {
	job := &Job{
		JobID:       uuid.NewString(),
		GuildID:     guildID,
		GalleryName: galleryName,
		Filename:    filename,
		FileSize:    fileSize,
		Status:      JobPending,
		CreatedAt:   nowMillis(),
		Progress: JobProgress{
			UploadedFiles: []UploadedFile{},
			FailedFiles:   []FailedFile{},
		},
	}
	if err := controller.putJob(ctx, job); err != nil {
		return nil, err
	}
	if err := controller.db.RPush(ctx, jobsListKey, job.JobID); err != nil {
		return nil, Error.Wrap(err)
	}
	return job, nil
}

// GetJob returns the persistent record of an async upload.
func (controller *Controller) GetJob(ctx context.Context, jobID string) (_ *Job, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := controller.db.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, ErrJobNotFound.New("%q", jobID)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, ErrJobNotFound.New("%q", jobID)
	}
	return &job, nil
}

// ListJobs enumerates known upload jobs, newest last. Job ids whose
// records already expired are skipped.
func (controller *Controller) ListJobs(ctx context.Context) (_ []Job, err error) {
	defer mon.Task()(&ctx)(&err)

	ids, err := controller.db.LRange(ctx, jobsListKey, 0, -1)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := controller.db.MGet(ctx, keys...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var jobs []Job
	for _, data := range values {
		if data == nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// updateJob applies change to the stored record. Updates are ordered by
// write sequence; pollers may miss intermediate states.
func (controller *Controller) updateJob(ctx context.Context, jobID string, change func(*Job)) error {
	job, err := controller.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	change(job)
	if job.Progress.UploadedFiles == nil {
		job.Progress.UploadedFiles = []UploadedFile{}
	}
	if job.Progress.FailedFiles == nil {
		job.Progress.FailedFiles = []FailedFile{}
	}
	return controller.putJob(ctx, job)
}

func (controller *Controller) putJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(controller.db.SetEx(ctx, jobKey(job.JobID), data, jobTTL))
}

// finalizeJob shortens the record ttl once the job reached a terminal
// status, keeping it available for late polling but not for a full day.
func (controller *Controller) finalizeJob(ctx context.Context, jobID string) {
	if err := controller.db.Expire(ctx, jobKey(jobID), terminalTTL); err != nil {
		controller.log.Warn("failed to finalize upload job",
			zap.String("jobId", jobID), zap.Error(err))
	}
}

func (controller *Controller) failJob(ctx context.Context, jobID, message string) {
	err := controller.updateJob(ctx, jobID, func(job *Job) {
		job.Status = JobFailed
		job.Error = message
		job.CompletedAt = nowMillis()
	})
	if err != nil {
		controller.log.Error("failed to mark upload job failed",
			zap.String("jobId", jobID), zap.Error(err))
	}
	controller.finalizeJob(ctx, jobID)
}
