// Package reflection implements the grpc.reflection.v1alpha
// ServerReflection service over the registry's stored file descriptors.
package reflection

import (
	"fmt"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/status"
)

// ServiceName is the registered name of the reflection service.
const ServiceName = "grpc.reflection.v1alpha.ServerReflection"

// symbolCacheSize bounds the symbol lookup cache; lookups repeat heavily
// when tools like grpcurl walk the descriptor graph.
const symbolCacheSize = 256

// Service answers reflection queries from the data registered on each
// ServiceDesc.
type Service struct {
	registry *rpc.Registry
	logger   *zap.Logger
	symbols  *lru.Cache[string, []byte]
}

// New builds a reflection service over registry.
func New(registry *rpc.Registry, logger *zap.Logger) *Service {
	cache, err := lru.New[string, []byte](symbolCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(fmt.Sprintf("reflection: %v", err))
	}
	return &Service{registry: registry, logger: logger, symbols: cache}
}

// Desc returns the service descriptor for registration.
func (s *Service) Desc() *rpc.ServiceDesc {
	return &rpc.ServiceDesc{
		Name: ServiceName,
		Methods: []rpc.MethodDesc{
			{
				Name:       "ServerReflectionInfo",
				Pattern:    rpc.BidiStreaming,
				InputType:  "grpc.reflection.v1alpha.ServerReflectionRequest",
				OutputType: "grpc.reflection.v1alpha.ServerReflectionResponse",
				Handler:    rpc.BidiStreamHandler(s.handleInfo),
			},
		},
	}
}

func (s *Service) handleInfo(_ *rpc.CallContext, recv *rpc.Receiver, send *rpc.Sender) error {
	for {
		msg, err := recv.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		raw := msg.([]byte)
		req, err := decodeRequest(raw)
		if err != nil {
			return status.Newf(status.CodeInvalidArgument, "malformed reflection request: %v", err)
		}
		if err := send.Send(s.respond(raw, req)); err != nil {
			return err
		}
	}
}

// respond builds one reflection response. Lookup failures become embedded
// error responses, never a stream-level status.
func (s *Service) respond(raw []byte, req *request) []byte {
	switch req.kind {
	case kindListServices:
		return encodeListServices(raw, req.host, s.registry.ServiceNames())

	case kindFileContainingSymbol:
		blob, ok := s.fileContainingSymbol(req.value)
		if !ok {
			return encodeError(raw, req.host, status.CodeNotFound,
				fmt.Sprintf("symbol %q not found", req.value))
		}
		return encodeFileDescriptors(raw, req.host, blob)

	case kindFileByFilename:
		blob, ok := s.fileByFilename(req.value)
		if !ok {
			return encodeError(raw, req.host, status.CodeNotFound,
				fmt.Sprintf("file %q not found", req.value))
		}
		return encodeFileDescriptors(raw, req.host, blob)

	default:
		s.logger.Debug("unsupported reflection request")
		return encodeError(raw, req.host, status.CodeUnimplemented, "unsupported reflection request")
	}
}

// fileContainingSymbol resolves a fully qualified symbol to the file
// descriptor of the service that declares it. Symbols are the service name
// itself and its methods.
func (s *Service) fileContainingSymbol(symbol string) ([]byte, bool) {
	if blob, ok := s.symbols.Get(symbol); ok {
		return blob, true
	}
	for _, name := range s.registry.ServiceNames() {
		desc, ok := s.registry.Service(name)
		if !ok || len(desc.FileDescriptor) == 0 {
			continue
		}
		if symbol == name || isMethodOf(symbol, name, desc) {
			s.symbols.Add(symbol, desc.FileDescriptor)
			return desc.FileDescriptor, true
		}
	}
	return nil, false
}

func isMethodOf(symbol, serviceName string, desc *rpc.ServiceDesc) bool {
	if !strings.HasPrefix(symbol, serviceName+".") {
		return false
	}
	method := symbol[len(serviceName)+1:]
	for i := range desc.Methods {
		if desc.Methods[i].Name == method {
			return true
		}
	}
	return false
}

func (s *Service) fileByFilename(filename string) ([]byte, bool) {
	for _, name := range s.registry.ServiceNames() {
		desc, ok := s.registry.Service(name)
		if !ok || len(desc.FileDescriptor) == 0 {
			continue
		}
		if desc.FileName == filename {
			return desc.FileDescriptor, true
		}
	}
	return nil, false
}
