package history

// EntryKind discriminates the Entry variant, per spec.md §3 "Workflow
// history entry".
type EntryKind int

const (
	KindStep EntryKind = iota
	KindLoop
	KindSleep
	KindMessage
	KindJoin
	KindRace
	KindRollbackCheckpoint
	KindRemoved
)

// SleepState is the lifecycle of a sleep entry.
type SleepState int

const (
	SleepPending SleepState = iota
	SleepCompleted
	SleepInterrupted
)

// BranchStatus is the lifecycle of one join branch.
type BranchStatus int

const (
	BranchPending BranchStatus = iota
	BranchRunning
	BranchCompleted
	BranchFailed
)

// RaceBranchStatus is the lifecycle of one race branch; it extends
// BranchStatus with RaceBranchCancelled for branches signaled to stop once a
// winner is recorded.
type RaceBranchStatus int

const (
	RaceBranchPending RaceBranchStatus = iota
	RaceBranchRunning
	RaceBranchCompleted
	RaceBranchFailed
	RaceBranchCancelled
)

// StepData is the payload of a KindStep entry.
type StepData struct {
	Output    []byte
	HasOutput bool
	Error     string // empty when absent
	HasErr    bool
}

// LoopData is the payload of a KindLoop entry.
type LoopData struct {
	State     []byte
	Iteration int
	Output    []byte
	HasOutput bool
}

// SleepData is the payload of a KindSleep entry.
type SleepData struct {
	DeadlineMs int64
	State      SleepState
}

// MessageData is the payload of a KindMessage entry — used both for single
// message records and for the count/indexed entries written by batched
// listens.
type MessageData struct {
	Name string
	Data []byte
}

// JoinBranch is one entry in a JoinData.Branches map.
type JoinBranch struct {
	Status BranchStatus
	Output []byte
	Error  string
	HasErr bool
}

// JoinData is the payload of a KindJoin entry.
type JoinData struct {
	Branches map[string]*JoinBranch
}

// RaceBranch is one entry in a RaceData.Branches map.
type RaceBranch struct {
	Status RaceBranchStatus
	Output []byte
	Error  string
	HasErr bool
}

// RaceData is the payload of a KindRace entry.
type RaceData struct {
	Winner   string
	HasWinner bool
	Branches map[string]*RaceBranch
}

// RollbackCheckpointData is the payload of a KindRollbackCheckpoint entry.
type RollbackCheckpointData struct {
	Name string
}

// RemovedData is the payload of a KindRemoved entry, marking a deleted call
// site so replay can tolerate either the original entry or this placeholder.
type RemovedData struct {
	OriginalType string
	OriginalName string
}

// Entry is one record in a workflow's history, keyed by Location.Key().
type Entry struct {
	ID       string
	Location Location
	Kind     EntryKind
	Dirty    bool

	Step               *StepData
	Loop               *LoopData
	Sleep              *SleepData
	Message            *MessageData
	Join               *JoinData
	Race               *RaceData
	RollbackCheckpoint *RollbackCheckpointData
	Removed            *RemovedData
}

// MetaStatus is the lifecycle of an entry's sidecar metadata.
type MetaStatus int

const (
	MetaRunning MetaStatus = iota
	MetaCompleted
	MetaFailed
)

// Metadata is the sidecar record for an Entry, keyed the same way.
type Metadata struct {
	Status              MetaStatus
	Attempts            int
	LastAttemptAtMs     int64
	CompletedAtMs       int64
	HasCompletedAt      bool
	Error               string
	HasError            bool
	RollbackCompletedAt int64
	HasRollbackComplete bool
	Dirty               bool
}
