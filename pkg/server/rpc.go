package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/primaryrutabaga/umpire/pkg/config"
	"github.com/primaryrutabaga/umpire/pkg/deploy"
	"github.com/primaryrutabaga/umpire/pkg/env"
	"github.com/primaryrutabaga/umpire/pkg/resource"
)

const jsonRPCVersion = "2.0"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerFault    = -32000
)

// Fault kinds carried in the error data of server faults.
const (
	FaultValidation       = "validation"
	FaultDeployRolledBack = "deploy_rolled_back"
	FaultRollbackFatal    = "rollback_fatal"
	FaultBusy             = "busy"
	FaultNotFound         = "not_found"
	FaultInternal         = "internal"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *rpcFault `json:"data,omitempty"`
}

type rpcFault struct {
	Kind string `json:"kind"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (%s)", e.Message, e.Data.Kind)
	}
	return e.Message
}

// Kind returns the fault kind, or "" for protocol errors.
func (e *RPCError) Kind() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Kind
}

// faultKind classifies an operation error for RPC callers.
func faultKind(err error) string {
	var (
		schemaErr   *config.SchemaError
		missingErr  *config.MissingResourcesError
		deployErr   *deploy.DeployError
		rollbackErr *deploy.RollbackError
	)
	switch {
	case errors.As(err, &rollbackErr), errors.Is(err, deploy.ErrStopped):
		return FaultRollbackFatal
	case errors.As(err, &deployErr):
		return FaultDeployRolledBack
	case errors.Is(err, deploy.ErrDeployInProgress):
		return FaultBusy
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, env.ErrNoActiveConfig):
		return FaultNotFound
	case errors.As(err, &schemaErr), errors.As(err, &missingErr), errors.Is(err, config.ErrMissingActiveBundle):
		return FaultValidation
	}
	return FaultInternal
}

func fault(err error) *RPCError {
	return &RPCError{Code: codeServerFault, Message: err.Error(), Data: &rpcFault{Kind: faultKind(err)}}
}

type rpcMethod func(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError)

var rpcMethods = map[string]rpcMethod{
	"Deploy":          rpcDeploy,
	"AddConfig":       rpcAddConfig,
	"GetActiveConfig": rpcGetActiveConfig,
	"GetDeployState":  rpcGetDeployState,
	"GetVersion":      rpcGetVersion,
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	resp := rpcResponse{JSONRPC: jsonRPCVersion, ID: json.RawMessage("null")}

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<20)).Decode(&req); err != nil {
		resp.Error = &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()}
		writeRPC(w, resp)
		return
	}
	if len(req.ID) > 0 {
		resp.ID = req.ID
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		resp.Error = &RPCError{Code: codeInvalidRequest, Message: "invalid request"}
		writeRPC(w, resp)
		return
	}
	method, ok := rpcMethods[req.Method]
	if !ok {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
		writeRPC(w, resp)
		return
	}

	result, rpcErr := method(s, r, req.Params)
	if rpcErr != nil {
		s.log.Warn().Str("method", req.Method).Int("code", rpcErr.Code).Str("kind", rpcErr.Kind()).Msg(rpcErr.Message)
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

func stringParams(params []json.RawMessage, n int) ([]string, *RPCError) {
	if len(params) != n {
		return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("expected %d params, got %d", n, len(params))}
	}
	out := make([]string, n)
	for i, p := range params {
		if err := json.Unmarshal(p, &out[i]); err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("param %d must be a string", i)}
		}
	}
	return out, nil
}

func rpcDeploy(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError) {
	args, perr := stringParams(params, 1)
	if perr != nil {
		return nil, perr
	}
	result, err := s.deployer.Deploy(r.Context(), resource.Key(args[0]))
	if err != nil {
		return nil, fault(err)
	}
	return result, nil
}

func rpcAddConfig(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError) {
	args, perr := stringParams(params, 2)
	if perr != nil {
		return nil, perr
	}
	content, typeName := args[0], args[1]
	typ, ok := resource.TypeByName(typeName)
	if !ok || !typ.IsConfig() {
		return nil, &RPCError{Code: codeInvalidParams, Message: "unknown config type " + typeName}
	}
	switch typ {
	case resource.TypeUmpireConfig:
		if _, err := config.Parse([]byte(content)); err != nil {
			return nil, fault(err)
		}
	case resource.TypePayloadConfig:
		var desc config.PayloadDescriptor
		if err := json.Unmarshal([]byte(content), &desc); err != nil {
			return nil, fault(&config.SchemaError{Err: fmt.Errorf("payload descriptor: %w", err)})
		}
	}
	key, err := s.store.Put(r.Context(), strings.NewReader(content), typ)
	if err != nil {
		return nil, fault(err)
	}
	return string(key), nil
}

func rpcGetActiveConfig(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError) {
	key, err := s.env.ActiveKey()
	if err != nil {
		return nil, fault(err)
	}
	return string(key), nil
}

func rpcGetDeployState(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError) {
	return string(s.deployer.State()), nil
}

func rpcGetVersion(s *Server, r *http.Request, params []json.RawMessage) (any, *RPCError) {
	return s.version, nil
}
