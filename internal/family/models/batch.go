package models

import "time"

// BatchCounts tallies the terminal (or requeued) outcome of dispatched records.
type BatchCounts struct {
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Different  int `json:"different"`
	Failed     int `json:"failed"`
	// Rejected counts FAILED records the registry answered with a
	// non-success result code. They are included in Failed.
	Rejected int `json:"rejected"`
	Requeued int `json:"requeued"`
}

// Succeeded counts records the registry answered: every verdict plus the
// rejected ones.
func (c BatchCounts) Succeeded() int {
	return c.Completed + c.Different + c.Rejected
}

// BatchResult is the outcome of one ProcessOneBatch call.
type BatchResult struct {
	BatchID   string        `json:"batch_id,omitempty"`
	Success   bool          `json:"success"`
	NoRecords bool          `json:"no_records"`
	Message   string        `json:"message"`
	Counts    BatchCounts   `json:"counts"`
	Duration  time.Duration `json:"duration"`
}

func NoRecordsResult() BatchResult {
	return BatchResult{Success: true, NoRecords: true, Message: "no records to process"}
}

func FailedBatch(message string) BatchResult {
	return BatchResult{Success: false, Message: message}
}

// Outcome is published once a record reaches a terminal status or is requeued.
type Outcome struct {
	EventID       string    `json:"event_id"`
	BatchID       string    `json:"batch_id"`
	RecordID      int64     `json:"record_id"`
	ApplicationID int64     `json:"application_id"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts"`
	Children      int       `json:"children"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Progress summarises the whole work queue.
type Progress struct {
	Total           int64            `json:"total"`
	Processed       int64            `json:"processed"`
	Pending         int64            `json:"pending"`
	InFlight        int64            `json:"in_flight"`
	PercentComplete float64          `json:"percent_complete"`
	ByStatus        map[Status]int64 `json:"by_status"`
}

// NewProgress derives totals from per-status counts.
func NewProgress(counts map[Status]int64) Progress {
	p := Progress{ByStatus: make(map[Status]int64, len(Statuses))}
	for _, s := range Statuses {
		n := counts[s]
		p.ByStatus[s] = n
		p.Total += n
		if s.IsTerminal() {
			p.Processed += n
		}
	}
	p.Pending = counts[StatusReady]
	p.InFlight = counts[StatusProcessing]
	if p.Total > 0 {
		p.PercentComplete = float64(p.Processed) * 100 / float64(p.Total)
	}
	return p
}

// RunState is the lifecycle state of the continuous runner.
type RunState string

const (
	RunStateIdle                RunState = "IDLE"
	RunStateRunning             RunState = "RUNNING"
	RunStateStoppedUnexpectedly RunState = "STOPPED_UNEXPECTEDLY"
)

// EngineSnapshot exposes live tuning state of the processing engine.
type EngineSnapshot struct {
	BreakerState     string        `json:"breaker_state"`
	CurrentRate      float64       `json:"current_rate"`
	MaxRate          float64       `json:"max_rate"`
	BatchSize        int           `json:"batch_size"`
	PoolSize         int           `json:"pool_size"`
	QueueCapacity    int           `json:"queue_capacity"`
	MaxRetries       int           `json:"max_retries"`
	BatchTimeout     time.Duration `json:"batch_timeout"`
	StuckThreshold   time.Duration `json:"stuck_threshold"`
	CallerRunsTotal  int64         `json:"caller_runs_total"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
	BatchesProcessed int64         `json:"batches_processed"`
}
