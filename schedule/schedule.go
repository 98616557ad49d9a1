// Package schedule fans a dispatch event into one job per facility, fires
// each job ten minutes after the event start, and drives capture + delivery.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"curtailment-notifier/pkg/dispatch"
)

// DefaultNotifyDelay is how long after the event start jobs fire.
const DefaultNotifyDelay = 10 * time.Minute

// DefaultMinConfidence is the fuzzy-match floor for contact lookups.
const DefaultMinConfidence = 0.6

// ErrCancelled marks a pending job that was cancelled before firing.
var ErrCancelled = errors.New("schedule: job cancelled")

// JobState is the lifecycle state of a scheduled job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Job is one facility's notification task for one dispatch event.
// Jobs are independent: failure of one never affects siblings.
type Job struct {
	FireAt   time.Time
	Event    *dispatch.Event
	timer    *time.Timer
	ID       string
	Facility dispatch.Facility
	state    JobState
	mu       sync.Mutex
}

// State returns the job's current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// transition moves the job from one state to another, reporting whether the
// job was actually in the expected source state.
func (j *Job) transition(from, to JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from {
		return false
	}
	j.state = to
	return true
}

// EventKind tags entries on the scheduler's observer stream.
type EventKind string

const (
	JobScheduled    EventKind = "jobScheduled"
	JobStarted      EventKind = "jobStarted"
	JobCompleted    EventKind = "jobCompleted"
	JobFailed       EventKind = "jobFailed"
	NoContactsFound EventKind = "noContactsFound"
	EmailFailed     EventKind = "emailFailed"
)

// JobEvent is one observer notification. Contact is set for EmailFailed.
type JobEvent struct {
	Err      error
	Kind     EventKind
	JobID    string
	Facility string
	Contact  string
}

// Directory resolves facility names to contacts, with a fuzzy fallback.
type Directory interface {
	ByFacility(name string) []dispatch.Contact
	BestMatch(name string) (facility string, confidence float64, ok bool)
}

// Capturer produces a usage screenshot for a facility. An empty path with a
// nil error means capture failed softly; a non-nil error is fatal to the job
// (portal authentication being the propagating case).
type Capturer interface {
	CaptureUsage(ctx context.Context, facility, contact, dispatchType string) (string, error)
}

// Notifier delivers the event and screenshot to one contact. Errors are
// isolated per contact by the scheduler.
type Notifier interface {
	SendDispatch(ctx context.Context, contact dispatch.Contact, event *dispatch.Event, facility, screenshotPath string) error
}

// Archiver copies a captured screenshot to long-term storage. Optional.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Config holds scheduler collaborators and tuning.
type Config struct {
	Directory     Directory
	Capturer      Capturer
	Notifier      Notifier
	Archiver      Archiver // may be nil
	Logger        *slog.Logger
	NotifyDelay   time.Duration
	MinConfidence float64
}

// Scheduler owns the ScheduledJob lifecycle. Jobs live only in memory: a
// restart between scheduling and fire time loses them (known gap; fire
// times are logged so operators can replay manually).
type Scheduler struct {
	directory     Directory
	capturer      Capturer
	notifier      Notifier
	archiver      Archiver
	logger        *slog.Logger
	jobs          map[string]*Job
	events        chan JobEvent
	delay         time.Duration
	minConfidence float64
	counter       atomic.Int64
	mu            sync.Mutex
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.NotifyDelay <= 0 {
		cfg.NotifyDelay = DefaultNotifyDelay
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	return &Scheduler{
		directory:     cfg.Directory,
		capturer:      cfg.Capturer,
		notifier:      cfg.Notifier,
		archiver:      cfg.Archiver,
		logger:        cfg.Logger,
		delay:         cfg.NotifyDelay,
		minConfidence: cfg.MinConfidence,
		jobs:          make(map[string]*Job),
		events:        make(chan JobEvent, 64),
	}
}

// Events is the scheduler's observer stream of tagged job events.
func (s *Scheduler) Events() <-chan JobEvent {
	return s.events
}

// Schedule fans the event into one job per facility, firing at
// start + notify delay. If that time has already passed, every job runs
// immediately and concurrently. Returns the created jobs.
func (s *Scheduler) Schedule(ctx context.Context, event *dispatch.Event) []*Job {
	fireAt := event.Start.Add(s.delay)
	now := time.Now()
	pastDue := !fireAt.After(now)

	s.logger.Info("Scheduling dispatch event",
		"message_id", event.MessageID,
		"dispatch_type", event.Type,
		"facility_count", len(event.Facilities),
		"fire_at", fireAt.Format(time.RFC3339),
		"past_due", pastDue)

	if len(event.Facilities) == 0 {
		s.logger.Warn("Dispatch event has no facilities, nothing to schedule",
			"message_id", event.MessageID)
		return nil
	}

	jobs := make([]*Job, 0, len(event.Facilities))
	for _, facility := range event.Facilities {
		job := &Job{
			ID:       s.nextID(facility.FacilityName),
			Facility: facility,
			Event:    event,
			FireAt:   fireAt,
			state:    StatePending,
		}

		s.mu.Lock()
		s.jobs[job.ID] = job
		s.mu.Unlock()

		s.emit(JobEvent{Kind: JobScheduled, JobID: job.ID, Facility: facility.FacilityName})

		if pastDue {
			go s.run(ctx, job)
		} else {
			job.mu.Lock()
			job.timer = time.AfterFunc(time.Until(fireAt), func() {
				s.run(ctx, job)
			})
			job.mu.Unlock()
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Cancel stops a pending job and marks it failed. Running jobs cannot be
// cancelled; a second Cancel for the same job is a no-op returning false.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	if !job.transition(StatePending, StateFailed) {
		return false
	}
	job.mu.Lock()
	timer := job.timer
	job.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	s.logger.Info("Job cancelled", "job_id", jobID, "facility", job.Facility.FacilityName)
	s.emit(JobEvent{Kind: JobFailed, JobID: jobID, Facility: job.Facility.FacilityName, Err: ErrCancelled})
	s.evict(jobID)
	return true
}

// evict drops a terminal job from the registry so the jobs map stays bounded
// to in-flight work. The caller's *Job handle stays valid for inspection.
func (s *Scheduler) evict(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// ActiveJobs returns a snapshot of pending and running jobs.
func (s *Scheduler) ActiveJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*Job
	for _, job := range s.jobs {
		if state := job.State(); state == StatePending || state == StateRunning {
			active = append(active, job)
		}
	}
	return active
}

// run executes one facility job: resolve contacts (exact then fuzzy),
// capture, and deliver to every contact independently.
func (s *Scheduler) run(ctx context.Context, job *Job) {
	if !job.transition(StatePending, StateRunning) {
		return // cancelled before firing
	}

	facility := job.Facility.FacilityName
	s.logger.Info("Job started", "job_id", job.ID, "facility", facility)
	s.emit(JobEvent{Kind: JobStarted, JobID: job.ID, Facility: facility})

	contacts, matched := s.resolveContacts(facility)
	if len(contacts) == 0 {
		s.logger.Warn("No contacts found for facility", "job_id", job.ID, "facility", facility)
		s.emit(JobEvent{Kind: NoContactsFound, JobID: job.ID, Facility: facility})
		job.transition(StateRunning, StateCompleted)
		s.evict(job.ID)
		return
	}

	screenshot, err := s.capturer.CaptureUsage(ctx, facility, contacts[0].Name, job.Event.Type)
	if err != nil {
		// Only authentication failures propagate out of capture; nothing
		// can be delivered without a portal session.
		s.logger.Error("Job failed in capture", "job_id", job.ID, "facility", facility, "error", err)
		job.transition(StateRunning, StateFailed)
		s.emit(JobEvent{Kind: JobFailed, JobID: job.ID, Facility: facility, Err: err})
		s.evict(job.ID)
		return
	}

	if screenshot == "" {
		s.logger.Warn("Capture produced no usable screenshot, notifying without attachment",
			"job_id", job.ID,
			"facility", facility)
	} else if s.archiver != nil {
		if archiveErr := s.archiver.Archive(ctx, screenshot); archiveErr != nil {
			s.logger.Warn("Failed to archive screenshot", "path", screenshot, "error", archiveErr)
		}
	}

	var failed int
	for _, contact := range contacts {
		if sendErr := s.notifier.SendDispatch(ctx, contact, job.Event, matched, screenshot); sendErr != nil {
			failed++
			s.logger.Warn("Failed to send notification",
				"job_id", job.ID,
				"facility", facility,
				"contact", contact.Email,
				"error", sendErr)
			s.emit(JobEvent{Kind: EmailFailed, JobID: job.ID, Facility: facility, Contact: contact.Email, Err: sendErr})
		}
	}

	// Completed means the job ran to completion, not that every delivery
	// succeeded.
	job.transition(StateRunning, StateCompleted)
	s.logger.Info("Job completed",
		"job_id", job.ID,
		"facility", facility,
		"contacts", len(contacts),
		"send_failures", failed,
		"screenshot", screenshot != "")
	s.emit(JobEvent{Kind: JobCompleted, JobID: job.ID, Facility: facility})
	s.evict(job.ID)
}

// resolveContacts looks up contacts by exact facility name, then retries
// through the fuzzy matcher, accepting it only above the confidence floor.
func (s *Scheduler) resolveContacts(facility string) (contacts []dispatch.Contact, matched string) {
	contacts = s.directory.ByFacility(facility)
	if len(contacts) > 0 {
		return contacts, facility
	}

	name, confidence, ok := s.directory.BestMatch(facility)
	if !ok || confidence < s.minConfidence {
		return nil, facility
	}

	s.logger.Info("Facility resolved through fuzzy match",
		"requested", facility,
		"matched", name,
		"confidence", fmt.Sprintf("%.2f", confidence))
	return s.directory.ByFacility(name), name
}

// emit never blocks job execution: if no observer is draining the stream,
// the event is dropped after being logged.
func (s *Scheduler) emit(ev JobEvent) {
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("Observer stream full, dropping job event",
			"kind", string(ev.Kind),
			"job_id", ev.JobID)
	}
}

var unsafeNameRe = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeName folds a facility name into a token safe for ids and paths.
func sanitizeName(name string) string {
	cleaned := unsafeNameRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(cleaned, "-")
}

// nextID generates a job id unique within this process lifetime.
func (s *Scheduler) nextID(facility string) string {
	return fmt.Sprintf("job-%d-%s", s.counter.Add(1), sanitizeName(facility))
}
