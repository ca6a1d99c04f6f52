package grpcwire

import (
	"fmt"
	"strings"
	"time"

	"go.wiregrpc.io/server/pkg/core/http2/hpack"
	"go.wiregrpc.io/server/pkg/status"
)

// RequestInfo is the validated gRPC view of a request header block.
type RequestInfo struct {
	Path           string // "/Service/Method"
	Service        string
	Method         string
	Authority      string
	ContentType    string
	Encoding       string // grpc-encoding, "" means identity
	AcceptEncoding string // grpc-accept-encoding, verbatim
	Timeout        time.Duration
	HasTimeout     bool
	MissingTE      bool // te: trailers absent; tolerated with a warning
	Metadata       Metadata
}

// HTTPError rejects a request at the HTTP layer, before any gRPC framing.
// The runtime answers with a bare :status and ends the stream.
type HTTPError struct {
	Code   int
	Reason string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http-level reject %d: %s", e.Code, e.Reason)
}

// ValidateRequestHeaders applies the request acceptance rules. It returns
// an HTTPError for failures below the gRPC layer and a *status.Error for
// gRPC-visible ones.
func ValidateRequestHeaders(fields []hpack.HeaderField) (*RequestInfo, error) {
	info := &RequestInfo{}
	var method, te, timeout string
	for _, f := range fields {
		switch f.Name {
		case ":method":
			method = f.Value
		case ":path":
			info.Path = f.Value
		case ":authority":
			info.Authority = f.Value
		case "content-type":
			info.ContentType = f.Value
		case "te":
			te = f.Value
		case "grpc-timeout":
			timeout = f.Value
		case "grpc-encoding":
			info.Encoding = f.Value
		case "grpc-accept-encoding":
			info.AcceptEncoding = f.Value
		}
	}

	if method != "POST" {
		return nil, HTTPError{Code: 405, Reason: fmt.Sprintf("method %q, want POST", method)}
	}
	if !validContentType(info.ContentType) {
		return nil, HTTPError{Code: 415, Reason: fmt.Sprintf("content-type %q is not a gRPC content type", info.ContentType)}
	}

	service, methodName, ok := splitPath(info.Path)
	if !ok {
		return nil, status.Newf(status.CodeUnimplemented, "malformed method path: %q", info.Path)
	}
	info.Service = service
	info.Method = methodName

	if !hasToken(te, "trailers") {
		info.MissingTE = true
	}

	if timeout != "" {
		d, err := ParseTimeout(timeout)
		if err == nil {
			info.Timeout = d
			info.HasTimeout = true
		}
		// Malformed timeouts are treated as absent.
	}

	info.Metadata = MetadataFromHeaders(fields)
	return info, nil
}

// validContentType accepts application/grpc and its +suffix / ;parameter
// variants, case-sensitively.
func validContentType(ct string) bool {
	const prefix = "application/grpc"
	if !strings.HasPrefix(ct, prefix) {
		return false
	}
	rest := ct[len(prefix):]
	if rest == "" {
		return true
	}
	return rest[0] == '+' || rest[0] == ';'
}

// splitPath parses "/Service/Method" with exactly one slash after the
// leading one.
func splitPath(path string) (service, method string, ok bool) {
	if len(path) < 2 || path[0] != '/' {
		return "", "", false
	}
	rest := path[1:]
	i := strings.Index(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	if strings.Contains(rest[i+1:], "/") {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func hasToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
