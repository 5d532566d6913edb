package worker

import "time"

type JobType int

const (
	Analyze JobType = iota
	Stop
)

// Job is one unit of background profile analysis for an owner.
type Job struct {
	Type      JobType
	OwnerID   string
	Text      string
	CreatedAt time.Time
}
