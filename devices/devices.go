// Package devices defines the accelerator capability interface, the registry
// of available device backends, and the buffer synchronization manager that
// moves data lazily between host and device memory.
//
// A device Interface owns every backend-side resource it allocates. Buffers
// reference at most one interface at a time, through their opaque device
// handle; the package tracks handle ownership so copy operations can resolve
// the owning interface when the caller doesn't supply one.
package devices

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/loopforge/loopforge/buffer"
)

// Interface is the capability set a device backend implements. One
// implementation exists per accelerator backend; ownership of backend-side
// resources belongs to the interface that created them.
//
// Methods return errors for runtime conditions (exhausted memory, lost
// device); they must not panic for those.
type Interface interface {
	// Name returns the short name of the backend, e.g. "host".
	Name() string

	// Malloc allocates device storage sized to b's extents and returns the
	// opaque nonzero handle for it. It must not modify b.
	Malloc(b *buffer.Buffer) (handle uint64, err error)

	// Free releases the device storage behind handle.
	Free(handle uint64) error

	// CopyToDevice pushes b's host data into the device allocation behind
	// b.Dev. The handle must have been created by this interface.
	CopyToDevice(b *buffer.Buffer) error

	// CopyToHost pulls the device allocation behind b.Dev into b's host
	// storage.
	CopyToHost(b *buffer.Buffer) error

	// Sync blocks until all outstanding device operations on b complete.
	Sync(b *buffer.Buffer) error

	// Release tears down every backend-held resource created by this
	// interface. The caller guarantees no buffer operation is concurrently
	// in flight against it.
	Release() error
}

// Constructor takes a backend-specific config string (possibly empty) and
// returns an Interface.
type Constructor func(config string) Interface

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device backend under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the device configuration to use if set, overriding the
// first-registered default but not the environment.
var DefaultConfig string

// DeviceEnvVar is the environment variable with the default device
// configuration, formatted as "<backend_name>" or
// "<backend_name>:<backend_configuration>".
const DeviceEnvVar = "LOOPFORGE_DEVICE"

// New returns the default device Interface:
//
//  1. The environment variable LOOPFORGE_DEVICE, if defined.
//  2. The DefaultConfig variable, if set.
//  3. The first registered backend with an empty configuration.
//
// It panics if no backend was registered -- a host wiring error, not a
// runtime condition.
func New() Interface {
	if config, found := os.LookupEnv(DeviceEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig builds the device Interface selected by a configuration
// string formatted as "<backend_name>:<backend_configuration>". An empty
// name selects the first registered backend.
func NewWithConfig(config string) Interface {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("no registered device backends -- import one, e.g. the built-in host backend")
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find device backend %q for configuration %q", backendName, config)
	}
	return constructor(backendConfig)
}

// Error taxonomy for buffer synchronization. Wrapped (with context) by the
// operations below; match with errors.Is.
var (
	// ErrAllocationFailure indicates the backend could not satisfy a device
	// (or host) memory request.
	ErrAllocationFailure = errors.New("device allocation failure")

	// ErrNoDeviceInterface indicates a copy was requested but no backend
	// could be resolved: the buffer has no device handle and no interface
	// was supplied.
	ErrNoDeviceInterface = errors.New("no device interface")

	// ErrInconsistentBufferState indicates both dirty flags are set: it is
	// ambiguous which side is authoritative, and the runtime refuses to
	// guess.
	ErrInconsistentBufferState = errors.New("inconsistent buffer state: both host and device dirty")

	// ErrForeignDeviceHandle indicates a buffer's device handle is owned by
	// a different interface than the one supplied.
	ErrForeignDeviceHandle = errors.New("device handle owned by another interface")
)
