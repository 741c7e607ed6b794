package model

// Availability of a worker as reported by the capability directory.
type Availability string

const (
	AvailabilityAvailable      Availability = "available"
	AvailabilityBusy           Availability = "busy"
	AvailabilityOffline        Availability = "offline"
	AvailabilityNotImplemented Availability = "not_implemented"
)

// FallbackStrategy is applied when a worker is unavailable or its dispatch fails.
type FallbackStrategy string

const (
	FallbackUserInput         FallbackStrategy = "user_input"
	FallbackAlternativeWorker FallbackStrategy = "alternative_worker"
	FallbackDefer             FallbackStrategy = "defer"
)

// Valid reports whether s is a known strategy.
func (s FallbackStrategy) Valid() bool {
	switch s {
	case FallbackUserInput, FallbackAlternativeWorker, FallbackDefer:
		return true
	}
	return false
}

// AgentCapability describes a worker.
type AgentCapability struct {
	WorkerID         string           `json:"workerId" yaml:"id"`
	Role             string           `json:"role" yaml:"role"`
	Skills           []string         `json:"skills" yaml:"skills"`
	Availability     Availability     `json:"availability" yaml:"availability"`
	FallbackStrategy FallbackStrategy `json:"fallbackStrategy" yaml:"fallback_strategy"`
}

// Available reports whether the worker can take dispatches.
func (c AgentCapability) Available() bool {
	return c.Availability == AvailabilityAvailable
}

// SharedSkills returns the skills of c that also appear in skills, in c's order.
func (c AgentCapability) SharedSkills(skills []string) []string {
	want := make(map[string]bool, len(skills))
	for _, s := range skills {
		want[s] = true
	}
	var shared []string
	for _, s := range c.Skills {
		if want[s] {
			shared = append(shared, s)
		}
	}
	return shared
}
