package entity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobNameCheckFeed is the job kind for feed checks.
const JobNameCheckFeed = "check-feed"

// recurringPrefix prefixes every deterministic recurring job id.
const recurringPrefix = "recurring-feed-"

var recurringIDPattern = regexp.MustCompile(`^recurring-feed-[A-Za-z0-9_.:\-]+$`)

// RecurringJobID returns the deterministic id of a feed's recurring check.
func RecurringJobID(feedID string) string {
	return recurringPrefix + feedID
}

// ParseRecurringJobID extracts the feed id from a recurring job id.
// It fails for ids that do not follow the recurring-feed-<feedId> format.
func ParseRecurringJobID(jobID string) (string, error) {
	if !recurringIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: malformed recurring job id %q", ErrInvalidInput, jobID)
	}
	return strings.TrimPrefix(jobID, recurringPrefix), nil
}

// FeedCheckJob is the payload of a check-feed job as stored in the job store.
type FeedCheckJob struct {
	FeedID          string  `json:"feedId"`
	ChatID          string  `json:"chatId"`
	FeedURL         string  `json:"feedUrl"`
	LastItemID      *string `json:"lastItemId,omitempty"`
	FailureCount    int     `json:"failureCount,omitempty"`
	ForceProcessAll bool    `json:"forceProcessAll,omitempty"`
	ShardIndex      *int    `json:"shardIndex,omitempty"`
}

// Validate checks the payload at the store boundary.
func (j FeedCheckJob) Validate() error {
	if strings.TrimSpace(j.FeedID) == "" {
		return &ValidationError{Field: "feedId", Message: "is required"}
	}
	if strings.TrimSpace(j.ChatID) == "" {
		return &ValidationError{Field: "chatId", Message: "is required"}
	}
	if strings.TrimSpace(j.FeedURL) == "" {
		return &ValidationError{Field: "feedUrl", Message: "is required"}
	}
	if j.FailureCount < 0 {
		return &ValidationError{Field: "failureCount", Message: "must not be negative"}
	}
	if j.ShardIndex != nil && *j.ShardIndex < 0 {
		return &ValidationError{Field: "shardIndex", Message: "must not be negative"}
	}
	return nil
}

// Encode validates and serializes the payload.
func (j FeedCheckJob) Encode() ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// DecodeFeedCheckJob parses and validates a stored payload.
func DecodeFeedCheckJob(data []byte) (FeedCheckJob, error) {
	var j FeedCheckJob
	if err := json.Unmarshal(data, &j); err != nil {
		return FeedCheckJob{}, fmt.Errorf("decode check job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return FeedCheckJob{}, err
	}
	return j, nil
}

// JobState is the lifecycle state of a job occurrence in the store.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// PendingJobStates are the states in which a job may still run.
var PendingJobStates = []JobState{JobWaiting, JobDelayed, JobActive}

// Job is one occurrence of work held in the durable job store.
type Job struct {
	ID        string
	Name      string
	Payload   []byte
	Shard     int
	Priority  int
	State     JobState
	RunAt     time.Time
	Attempts  int
	RepeatKey string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RepeatableJob is the durable schedule of a recurring job.
type RepeatableJob struct {
	Key       string
	JobID     string
	Name      string
	Payload   []byte
	Every     time.Duration
	NextRunAt time.Time
	Shard     int
	Priority  int
	CreatedAt time.Time
}

// RepeatKey builds the repeat key of a recurring job.
func RepeatKey(name, jobID string, every time.Duration) string {
	return fmt.Sprintf("%s::%s::%d", name, jobID, every.Milliseconds())
}

// OccurrenceID is the id of the job generated by a repeatable at runAt.
func OccurrenceID(jobID string, runAt time.Time) string {
	return fmt.Sprintf("%s:%d", jobID, runAt.UnixMilli())
}

// JobOptions control how a job is placed in the store.
type JobOptions struct {
	JobID    string
	Delay    time.Duration
	Priority int
	Shard    int
}
