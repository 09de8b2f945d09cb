package transaction

import (
	"fmt"
	"path"
)

// File names inside a transaction folder
const (
	RulesFile   = "rules.json"
	ObjectsFile = "objects.json"
	ResultsFile = "results.json"
	ErrorFile   = "error.json"
	WarningFile = "warning.json"
)

// Location is the storage root a transaction folder currently lives under.
// A folder exists in at most one location at a time.
type Location int

const (
	Queue Location = iota
	Results
	Failed
	Rejected
)

// Locations lists every location in pipeline order
var Locations = []Location{Queue, Results, Failed, Rejected}

func (l Location) String() string {
	switch l {
	case Queue:
		return "queue"
	case Results:
		return "results"
	case Failed:
		return "failed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// State is the pipeline state of a transaction as seen by one workflow invocation
type State string

const (
	StateDetected        State = "detected"
	StateLocked          State = "locked"
	StateIncomplete      State = "incomplete"
	StateAbandoned       State = "abandoned"
	StateInvalidInput    State = "invalid_input"
	StateProcessed       State = "processed"
	StateProcessingError State = "processing_error"
	StateRejected        State = "rejected"
)

// Location returns where the folder sits once a transaction reaches s
func (s State) Location() Location {
	switch s {
	case StateProcessed:
		return Results
	case StateInvalidInput, StateProcessingError:
		return Failed
	case StateRejected:
		return Rejected
	default:
		return Queue
	}
}

// Terminal reports whether s relocates the folder out of the queue
func (s State) Terminal() bool {
	return s.Location() != Queue
}

// Transaction is the value object for one unit of work
type Transaction struct {
	ID       string
	Location Location
}

// Layout maps each location to its root path on remote storage
type Layout struct {
	Queue    string `yaml:"queue"`
	Results  string `yaml:"results"`
	Failed   string `yaml:"failed"`
	Rejected string `yaml:"rejected"`
}

// DefaultLayout uses the location names as root directories
func DefaultLayout() Layout {
	return Layout{
		Queue:    "queue",
		Results:  "results",
		Failed:   "failed",
		Rejected: "rejected",
	}
}

// Root returns the root directory for loc
func (l Layout) Root(loc Location) string {
	switch loc {
	case Results:
		return l.Results
	case Failed:
		return l.Failed
	case Rejected:
		return l.Rejected
	default:
		return l.Queue
	}
}

// Dir returns the folder path of transaction id under loc
func (l Layout) Dir(loc Location, id string) string {
	return path.Join(l.Root(loc), id)
}

// File returns the path of a file inside the transaction folder under loc
func (l Layout) File(loc Location, id, name string) string {
	return path.Join(l.Root(loc), id, name)
}

// Validate checks that every location has a distinct, non-empty root
func (l Layout) Validate() error {
	seen := make(map[string]Location, len(Locations))
	for _, loc := range Locations {
		root := l.Root(loc)
		if root == "" {
			return fmt.Errorf("%s location root is empty", loc)
		}
		if other, dup := seen[path.Clean(root)]; dup {
			return fmt.Errorf("%s and %s locations share root %q", other, loc, root)
		}
		seen[path.Clean(root)] = loc
	}
	return nil
}
