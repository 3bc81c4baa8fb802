package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON-RPC 2.0 error codes. Application errors all map to
// codeInternal with a human-readable message, per the wire contract.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternal       = -32603
)

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// rpcHandler is one method implementation. It gets the raw params and
// returns either a result or an error the envelope translates.
type rpcHandler func(params json.RawMessage) (interface{}, error)

// rpc is the single POST endpoint carrying every method. Transport
// status is always 200 once we managed to parse a request, errors
// travel in the JSON-RPC error member.
func (r *RestServer) rpc() gin.HandlerFunc {
	methods := map[string]rpcHandler{
		"otc.createDeal":       r.createDeal,
		"otc.fillPartyDetails": r.fillPartyDetails,
		"otc.status":           r.status,
		"otc.cancelDeal":       r.cancelDeal,
		"admin.setPrice":       r.setPrice,
	}

	return func(c *gin.Context) {
		var req rpcRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, rpcResponse{
				Jsonrpc: "2.0",
				Error:   &rpcErrorBody{Code: codeParse, Message: "could not parse request"},
			})
			return
		}
		if req.Jsonrpc != "2.0" || req.Method == "" {
			c.JSON(http.StatusOK, rpcResponse{
				Jsonrpc: "2.0",
				Error:   &rpcErrorBody{Code: codeInvalidRequest, Message: "not a JSON-RPC 2.0 request"},
				ID:      req.ID,
			})
			return
		}

		handler, ok := methods[req.Method]
		if !ok {
			c.JSON(http.StatusOK, rpcResponse{
				Jsonrpc: "2.0",
				Error:   &rpcErrorBody{Code: codeMethodNotFound, Message: "unknown method " + req.Method},
				ID:      req.ID,
			})
			return
		}

		result, err := handler(req.Params)
		if err != nil {
			log.WithError(err).WithField("method", req.Method).Info("RPC method returned error")
			c.JSON(http.StatusOK, rpcResponse{
				Jsonrpc: "2.0",
				Error:   &rpcErrorBody{Code: codeInternal, Message: err.Error()},
				ID:      req.ID,
			})
			return
		}
		c.JSON(http.StatusOK, rpcResponse{Jsonrpc: "2.0", Result: result, ID: req.ID})
	}
}

// decodeParams unmarshals the raw params member into a typed struct
func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return errMissingParams
	}
	return json.Unmarshal(raw, into)
}
