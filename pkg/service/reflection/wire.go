package reflection

import (
	"google.golang.org/protobuf/encoding/protowire"

	"go.wiregrpc.io/server/pkg/status"
)

type requestKind int

const (
	kindUnknown requestKind = iota
	kindListServices
	kindFileContainingSymbol
	kindFileByFilename
)

type request struct {
	host  string
	kind  requestKind
	value string
}

// ServerReflectionRequest field numbers.
const (
	fieldHost                  = 1
	fieldFileByFilename        = 3
	fieldFileContainingSymbol  = 4
	fieldListServices          = 7
	respFieldValidHost         = 1
	respFieldOriginalRequest   = 2
	respFieldFileDescriptors   = 4
	respFieldListServicesResp  = 6
	respFieldErrorResponse     = 7
	fdRespFieldDescriptorProto = 1
	listRespFieldService       = 1
	serviceRespFieldName       = 1
	errRespFieldCode           = 1
	errRespFieldMessage        = 2
)

func decodeRequest(b []byte) (*request, error) {
	req := &request{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldHost:
				req.host = v
			case fieldFileByFilename:
				req.kind = kindFileByFilename
				req.value = v
			case fieldFileContainingSymbol:
				req.kind = kindFileContainingSymbol
				req.value = v
			case fieldListServices:
				req.kind = kindListServices
				req.value = v
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return req, nil
}

// responseBase starts every response with valid_host and the echoed
// original request.
func responseBase(raw []byte, host string) []byte {
	var out []byte
	if host != "" {
		out = protowire.AppendTag(out, respFieldValidHost, protowire.BytesType)
		out = protowire.AppendString(out, host)
	}
	out = protowire.AppendTag(out, respFieldOriginalRequest, protowire.BytesType)
	out = protowire.AppendBytes(out, raw)
	return out
}

func encodeListServices(raw []byte, host string, names []string) []byte {
	var list []byte
	for _, name := range names {
		var svc []byte
		svc = protowire.AppendTag(svc, serviceRespFieldName, protowire.BytesType)
		svc = protowire.AppendString(svc, name)
		list = protowire.AppendTag(list, listRespFieldService, protowire.BytesType)
		list = protowire.AppendBytes(list, svc)
	}
	out := responseBase(raw, host)
	out = protowire.AppendTag(out, respFieldListServicesResp, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}

func encodeFileDescriptors(raw []byte, host string, blobs ...[]byte) []byte {
	var fd []byte
	for _, blob := range blobs {
		fd = protowire.AppendTag(fd, fdRespFieldDescriptorProto, protowire.BytesType)
		fd = protowire.AppendBytes(fd, blob)
	}
	out := responseBase(raw, host)
	out = protowire.AppendTag(out, respFieldFileDescriptors, protowire.BytesType)
	out = protowire.AppendBytes(out, fd)
	return out
}

func encodeError(raw []byte, host string, code status.Code, msg string) []byte {
	var er []byte
	er = protowire.AppendTag(er, errRespFieldCode, protowire.VarintType)
	er = protowire.AppendVarint(er, uint64(code))
	er = protowire.AppendTag(er, errRespFieldMessage, protowire.BytesType)
	er = protowire.AppendString(er, msg)
	out := responseBase(raw, host)
	out = protowire.AppendTag(out, respFieldErrorResponse, protowire.BytesType)
	out = protowire.AppendBytes(out, er)
	return out
}
