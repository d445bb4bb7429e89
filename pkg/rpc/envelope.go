// Package rpc is the shared HTTP request/response plumbing used by all
// three SDDMS wire links. It plays the role the spec's §6 "request/response
// framing with structured messages carrying a discriminated return status"
// calls for, and is lifted from the teacher's pkg/server (WriteJSON/
// WriteError) and pkg/client (doRequest) helpers — the teacher's own
// gRPC/protobuf cluster service never had working generated bindings to
// adapt (see DESIGN.md), so this JSON-over-HTTP style carries the whole
// wire protocol instead.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mnohosten/sddms/pkg/errs"
)

// Envelope is the ReturnStatus{Ok|Error} wrapper every response travels in.
type Envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the Error{code, message} status payload from §6.
type ErrorPayload struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// WriteOK encodes a successful result as the Envelope.
func WriteOK(w http.ResponseWriter, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		WriteErr(w, errs.Wrap(errs.InternalError, "failed to encode response", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Envelope{OK: true, Result: body})
}

// WriteErr encodes err as the Envelope, choosing an HTTP status from its Kind.
func WriteErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(Envelope{
		OK: false,
		Error: &ErrorPayload{
			Kind:    kind,
			Message: err.Error(),
		},
	})
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case errs.SqlExecutionError:
		return http.StatusUnprocessableEntity
	case errs.AbortedByDeadlock, errs.LockTimeout:
		return http.StatusConflict
	case errs.ReplicationFailed:
		return http.StatusBadGateway
	case errs.ControllerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes the request body of r into dst.
func DecodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "malformed request body", err)
	}
	return nil
}

// Client is a minimal JSON-RPC client shared by the executor's controller
// client and its peer client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client against baseURL (e.g. "http://localhost:9000").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTPClient: httpClient}
}

// Do performs method path with the JSON-encoded body and decodes the
// Envelope's result into out (which may be nil). A non-OK envelope is
// turned back into an *errs.Error carrying the Kind the server reported.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.InternalError, "failed to encode request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return errs.Wrap(errs.InternalError, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.ControllerUnavailable, fmt.Sprintf("request to %s failed", c.BaseURL), err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errs.Wrap(errs.ControllerUnavailable, "malformed response body", err)
	}

	if !env.OK {
		kind := errs.InternalError
		msg := "unknown error"
		if env.Error != nil {
			kind = env.Error.Kind
			msg = env.Error.Message
		}
		return &errs.Error{Kind: kind, Message: msg}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return errs.Wrap(errs.InternalError, "failed to decode result", err)
		}
	}
	return nil
}
