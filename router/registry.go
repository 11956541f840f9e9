package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Routing logic selectors accepted by the policy registry.
const (
	LogicRoundRobin  = "roundrobin"
	LogicSession     = "session"
	LogicLeastLoaded = "llq"
	LogicHRA         = "hra"
	LogicCustom      = "custom"
)

// validRoutingLogics is the selector registry. Unexported to prevent
// external mutation.
var validRoutingLogics = map[string]bool{
	LogicRoundRobin:  true,
	LogicSession:     true,
	LogicLeastLoaded: true,
	LogicHRA:         true,
	LogicCustom:      true,
}

// IsValidRoutingLogic returns true if name is a recognized routing logic selector.
func IsValidRoutingLogic(name string) bool { return validRoutingLogics[name] }

// ValidRoutingLogicNames returns the sorted list of recognized selectors.
func ValidRoutingLogicNames() []string {
	names := make([]string, 0, len(validRoutingLogics))
	for name := range validRoutingLogics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicyConfig carries construction parameters for the placement policies.
type PolicyConfig struct {
	// SessionKey is the request header holding the session id. Required by
	// the session logic, ignored by the others.
	SessionKey string
	// Profile is the KV cache geometry used by the HRA logic.
	Profile KVCacheProfile
}

// PolicyRegistry owns the process's single active placement policy. It
// constructs policies by selector name, wires the HRA router to the
// monitor's completion notifications, and hands the active policy to the
// serving layer.
type PolicyRegistry struct {
	monitor *RequestStatsMonitor

	mu     sync.Mutex
	policy PlacementPolicy
	logic  string
}

// NewPolicyRegistry creates an empty registry bound to the monitor.
func NewPolicyRegistry(monitor *RequestStatsMonitor) *PolicyRegistry {
	return &PolicyRegistry{monitor: monitor}
}

// Initialize constructs and installs the active policy. It fails if a
// policy is already installed; use Reconfigure to replace one.
func (r *PolicyRegistry) Initialize(logic string, cfg PolicyConfig) (PlacementPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy != nil {
		return nil, fmt.Errorf("routing policy already initialized as %q; use Reconfigure", r.logic)
	}
	return r.installLocked(logic, cfg)
}

// Reconfigure discards the current policy (if any) and installs a new one.
// Pending HRA placements of a discarded router still resolve if its final
// sweeps run, but no new completions reach it once the listener is rewired.
func (r *PolicyRegistry) Reconfigure(logic string, cfg PolicyConfig) (PlacementPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = nil
	r.logic = ""
	r.monitor.SetCompletionListener(nil)
	return r.installLocked(logic, cfg)
}

// Get returns the active policy, or an error if none has been installed.
func (r *PolicyRegistry) Get() (PlacementPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == nil {
		return nil, ErrPolicyNotInitialized
	}
	return r.policy, nil
}

// Logic returns the selector of the active policy, or the empty string.
func (r *PolicyRegistry) Logic() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logic
}

func (r *PolicyRegistry) installLocked(logic string, cfg PolicyConfig) (PlacementPolicy, error) {
	switch logic {
	case LogicRoundRobin:
		logrus.Info("initializing round-robin routing logic")
		r.policy = NewRoundRobinRouter(r.monitor)
	case LogicSession:
		logrus.Infof("initializing session routing logic with session key %q", cfg.SessionKey)
		router, err := NewSessionRouter(r.monitor, cfg.SessionKey)
		if err != nil {
			return nil, err
		}
		r.policy = router
	case LogicLeastLoaded:
		logrus.Info("initializing least-loaded (llq) routing logic")
		r.policy = NewLeastLoadedRouter(r.monitor)
	case LogicHRA:
		logrus.Info("initializing head-room admission (hra) routing logic")
		if err := cfg.Profile.Validate(); err != nil {
			return nil, err
		}
		hra := NewHRARouter(r.monitor, cfg.Profile)
		r.monitor.SetCompletionListener(hra.OnRequestComplete)
		r.policy = hra
	case LogicCustom:
		logrus.Info("initializing custom work-estimation routing logic")
		r.policy = NewCustomWorkRouter(r.monitor)
	default:
		return nil, fmt.Errorf("invalid routing logic %q (valid: %v)", logic, ValidRoutingLogicNames())
	}
	r.logic = logic
	return r.policy, nil
}
