// Package config defines configuration structures for the starship CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (STARSHIP_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    Project           string
//	    Bucket            string
//	    Folder            string
//	    Input             string
//	    InputFormat       string
//	    Workers           int
//	    Zones             []string
//	    MaxWorkersPerZone int
//	    MinWorkers        int
//	    Image             string
//	    MachineType       string
//	    WorkerMachineType string
//	    MaxAttempts       int
//	    LivenessTimeout   time.Duration
//	    SweepInterval     time.Duration
//	    PollInterval      time.Duration
//	    RunBudget         time.Duration
//	    FetchTimeout      time.Duration
//	    KeepOriginal      bool
//	    Retry             RetryConfig
//	}
//
//	type RetryConfig struct {
//	    Attempts   int
//	    Backoff    time.Duration
//	    MaxBackoff time.Duration
//	}
package config
