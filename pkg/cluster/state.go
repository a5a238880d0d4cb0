package cluster

// State is a step of the handshake
type State int

const (
	// StateLocal means the world has a single rank and no handshake runs
	StateLocal State = iota
	// StateHeadSetup is the head preparing and propagating the setup config
	StateHeadSetup
	// StateAwaitingWorkers is the head collecting worker statuses in rank order
	StateAwaitingWorkers
	// StateClusterSetup is a worker waiting for the head's setup config
	StateClusterSetup
	// StateReportReady is a worker reporting its status to the head
	StateReportReady
	// StateRunning means the handshake completed
	StateRunning
	// StateTeardown means receivers were drained and channels closed
	StateTeardown
)

var stateNames = map[State]string{
	StateLocal:           "Local",
	StateHeadSetup:       "HeadSetup",
	StateAwaitingWorkers: "AwaitingWorkers",
	StateClusterSetup:    "ClusterSetup",
	StateReportReady:     "ReportReady",
	StateRunning:         "Running",
	StateTeardown:        "Teardown",
}

// String implements fmt.Stringer
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}
