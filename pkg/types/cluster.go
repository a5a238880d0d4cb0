package types

// Reserved tags used by the cluster auto-setup handshake. They must match
// on every rank.
const (
	TagClusterSetup    Tag = "CLUSTER_SETUP"
	TagSetupFinished   Tag = "SETUP_FINISHED"
	TagClusterShutdown Tag = "CLUSTER_SHUTDOWN"
)

// ShutdownSentinel is the only value on TagClusterShutdown that means shutdown
const ShutdownSentinel = "SHUTDOWN"

// StatusOK is the readiness status a worker reports once set up
const StatusOK = "OK"

// HandshakeTags returns the reserved tags in a fresh slice
func HandshakeTags() []Tag {
	return []Tag{TagClusterSetup, TagSetupFinished, TagClusterShutdown}
}

// WorkerStatus is what a worker reports to the head once its setup is done
type WorkerStatus struct {
	LocalAddress string `json:"local_address" yaml:"local_address"`
	Status       string `json:"status" yaml:"status"`
}

// SetupConfig is the shared configuration the head propagates to workers
type SetupConfig struct {
	SessionID   ID     `json:"session_id" yaml:"session_id"`
	HeadAddress string `json:"head_address" yaml:"head_address"`
}

// RemoteClusterConfig is the outcome of a successful handshake
type RemoteClusterConfig struct {
	WorldSize          int      `json:"world_size" yaml:"world_size"`
	WorldRank          int      `json:"world_rank" yaml:"world_rank"`
	MainNode           bool     `json:"main_node" yaml:"main_node"`
	MultinodeAvailable bool     `json:"multinode_available" yaml:"multinode_available"`
	HeadAddress        string   `json:"head_address" yaml:"head_address"`
	Workers            []string `json:"workers" yaml:"workers"`
	LocalAddress       string   `json:"local_address" yaml:"local_address"`
}
