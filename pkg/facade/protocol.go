package facade

import (
	"encoding/json"

	"github.com/cuemby/ocapkernel/pkg/kernelerr"
)

const jsonrpcVersion = "2.0"

// genericRPCErrorCode is the JSON-RPC 2.0 wire code every error carries;
// the kernel's own taxonomy (kernelerr.Code) travels in Data instead,
// since spec.md §7 asks for a domain-specific code/message/data/cause
// shape that a bare JSON-RPC2 integer code cannot express on its own.
const genericRPCErrorCode = -32000

// Request is one JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 reply. Error is set on failure; on success
// Result carries the method's value, and is omitted when that is nil.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

// RPCError is the JSON-RPC2-conformant envelope around a kernelerr.Error:
// Code is the fixed generic code every Facade error uses on the wire,
// Data carries the rich, recursively-marshaled domain error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    *kernelerr.Error `json:"data,omitempty"`
}

func errorResponse(id any, err *kernelerr.Error) Response {
	return Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: genericRPCErrorCode, Message: err.Error(), Data: err},
		ID:      id,
	}
}

func resultResponse(id any, result any) Response {
	return Response{JSONRPC: jsonrpcVersion, Result: result, ID: id}
}

// asKernelError normalizes any error returned from a method handler into
// a *kernelerr.Error, so every Facade response carries the same shape
// regardless of which layer produced the failure.
func asKernelError(err error) *kernelerr.Error {
	if err == nil {
		return nil
	}
	if ke, ok := err.(*kernelerr.Error); ok {
		return ke
	}
	return kernelerr.Wrap(kernelerr.Internal, "facade request failed", err)
}
