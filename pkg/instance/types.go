package instance

import (
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/config"
	"github.com/NERVE-labs-team/sallar-network-server-library/internal/model"
)

// Re-export types from internal packages for external use
type (
	Config       = config.ManagerConfig
	Duration     = config.Duration
	Payload      = model.Payload
	Emitter      = model.Emitter
	EventHandler = model.EventHandler
	ErrorHandler = model.ErrorHandler
)

// BootstrapEvent is the event a worker sends to announce its worker_id.
const BootstrapEvent = model.BootstrapEvent

// Error kinds reported by the manager. Match them with errors.Is.
var (
	ErrInvalidConfiguration = model.ErrInvalidConfiguration
	ErrConfirmationFailed   = model.ErrConfirmationFailed
	ErrRejectionFailed      = model.ErrRejectionFailed
	ErrWorkerDisconnected   = model.ErrWorkerDisconnected
	ErrHandlerPanic         = model.ErrHandlerPanic
	ErrDispatcherSealed     = model.ErrDispatcherSealed
	ErrReservedEvent        = model.ErrReservedEvent
	ErrAlreadyLaunched      = model.ErrAlreadyLaunched
	ErrManagerClosed        = model.ErrManagerClosed
)

// DefaultConfig returns a configuration with every optional field filled in.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a YAML, JSON or TOML configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}
