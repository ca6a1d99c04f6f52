package rpc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.wiregrpc.io/server/pkg/status"
)

// MethodPattern is one of the four RPC shapes.
type MethodPattern int

const (
	Unary MethodPattern = iota
	ServerStreaming
	ClientStreaming
	BidiStreaming
)

func (p MethodPattern) String() string {
	switch p {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server_streaming"
	case ClientStreaming:
		return "client_streaming"
	case BidiStreaming:
		return "bidi_streaming"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// Handler signatures per pattern. Messages are decoded values produced by
// the codec collaborator; handlers re-type them.
type (
	UnaryHandler        func(ctx *CallContext, req any) (any, error)
	ServerStreamHandler func(ctx *CallContext, req any, send *Sender) error
	ClientStreamHandler func(ctx *CallContext, recv *Receiver) (any, error)
	BidiStreamHandler   func(ctx *CallContext, recv *Receiver, send *Sender) error
)

// MethodDesc describes one method of a service. Handler must hold the
// handler type matching Pattern; the dispatcher verifies this at call time.
type MethodDesc struct {
	Name       string
	Pattern    MethodPattern
	InputType  string
	OutputType string
	Handler    any
}

// ServiceDesc describes a registered service: its methods, optional
// service-level interceptors (applied innermost), and the serialized file
// descriptor backing reflection.
type ServiceDesc struct {
	Name         string
	Methods      []MethodDesc
	Interceptors []Interceptor

	// FileName and FileDescriptor feed the reflection service; both may be
	// empty for services without descriptor data.
	FileName       string
	FileDescriptor []byte
}

// ErrRegistryFrozen rejects registration after the server has started.
var ErrRegistryFrozen = errors.New("registry is frozen: server already started")

type methodEntry struct {
	service *ServiceDesc
	method  *MethodDesc
}

// Registry is the service and method catalog. It is mutable until Freeze,
// then read-only, so lookups on the hot path take no lock.
type Registry struct {
	mu       sync.Mutex
	frozen   bool
	services map[string]*ServiceDesc
	paths    map[string]methodEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*ServiceDesc),
		paths:    make(map[string]methodEntry),
	}
}

// Register adds a service. Duplicate names fail with ALREADY_EXISTS and
// registration after Freeze fails with ErrRegistryFrozen.
func (r *Registry) Register(desc *ServiceDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.services[desc.Name]; ok {
		return status.Newf(status.CodeAlreadyExists, "service %q is already registered", desc.Name)
	}
	r.services[desc.Name] = desc
	for i := range desc.Methods {
		m := &desc.Methods[i]
		r.paths[fmt.Sprintf("/%s/%s", desc.Name, m.Name)] = methodEntry{service: desc, method: m}
	}
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves a full method path. Safe without a lock once frozen; a
// pre-freeze caller still takes the lock.
func (r *Registry) Lookup(path string) (*ServiceDesc, *MethodDesc, bool) {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	e, ok := r.paths[path]
	if !ok {
		return nil, nil, false
	}
	return e.service, e.method, true
}

// Service returns the descriptor for name.
func (r *Registry) Service(name string) (*ServiceDesc, bool) {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	s, ok := r.services[name]
	return s, ok
}

// ServiceNames lists registered services in sorted order.
func (r *Registry) ServiceNames() []string {
	if !r.isFrozen() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) isFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}
