package api

import (
	"net/http"

	"watchtower/internal/apperr"
)

// httpStatus maps an apperr.Kind to the HTTP status it should report.
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindClientMalformed:
		return http.StatusBadRequest
	case apperr.KindClientUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindClientPrecondition, apperr.KindAlreadyTerminal:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTxInvalid:
		return http.StatusBadRequest
	case apperr.KindTransient:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// JSON-RPC 2.0 reserved error codes.
const (
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
	rpcCodeInternal       = -32603
)

// jsonrpcCode maps an apperr.Kind to the JSON-RPC error code the
// eth_sendRawTransaction surface should report.
func jsonrpcCode(kind apperr.Kind) int {
	switch kind {
	case apperr.KindClientMalformed, apperr.KindTxInvalid, apperr.KindClientPrecondition, apperr.KindAlreadyTerminal:
		return rpcCodeInvalidParams
	case apperr.KindClientUnauthorized:
		return rpcCodeInvalidParams
	case apperr.KindNotFound:
		return rpcCodeInvalidParams
	default:
		return rpcCodeInternal
	}
}

// classify extracts the apperr.Kind from err, defaulting to transient for an
// error apperr never tagged (a library panic recovery, for instance).
func classify(err error) (kind apperr.Kind, code, msg string) {
	if ae, ok := apperr.As(err); ok {
		return ae.Kind, ae.Code, ae.Msg
	}
	return apperr.KindTransient, "Internal", err.Error()
}
