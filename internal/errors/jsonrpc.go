package errors

// JSONRPCError represents a JSON-RPC 2.0 error response.
type JSONRPCError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Error   JSONRPCErrorObj `json:"error"`
}

// JSONRPCErrorObj is the error object within a JSON-RPC error response.
type JSONRPCErrorObj struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    *ProxyError `json:"data,omitempty"`
}

// ToJSONRPCError converts a ProxyError to a JSON-RPC 2.0 error response.
func ToJSONRPCError(err *ProxyError, requestID interface{}) JSONRPCError {
	return JSONRPCError{
		JSONRPC: "2.0",
		ID:      requestID,
		Error: JSONRPCErrorObj{
			Code:    JSONRPCCode(err),
			Message: err.Message,
			Data:    err,
		},
	}
}

// JSONRPCCode maps an error's HTTP status to a JSON-RPC error code:
//   - 400, 401, 403, 409, 429 -> -32600 (Invalid Request)
//   - 404 -> -32601 (Method not found)
//   - everything else -> -32603 (Internal error)
func JSONRPCCode(err *ProxyError) int {
	switch err.Status {
	case 400, 401, 403, 409, 429:
		return -32600
	case 404:
		return -32601
	default:
		return -32603
	}
}
