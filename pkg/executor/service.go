package executor

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/proto"
	"github.com/mnohosten/sddms/pkg/rpc"
)

// Service exposes the executor's client-facing and peer-facing surfaces
// over HTTP.
type Service struct {
	exec   *Executor
	logger *logging.Logger
}

func NewService(exec *Executor, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default("executor-http")
	}
	return &Service{exec: exec, logger: logger}
}

// Routes mounts both the client surface and the peer replication surface.
func (s *Service) Routes(r chi.Router) {
	r.Post("/v1/clients", s.handleRegisterClient)
	r.Post("/v1/transactions", s.handleBeginTransaction)
	r.Post("/v1/query", s.handleInvokeQuery)
	r.Post("/v1/transactions/finalize", s.handleFinalizeTransaction)
	r.Post("/v1/replication/prepare", s.handleReplicationPrepare)
	r.Post("/v1/replication/finalize", s.handleReplicationFinalize)
}

func (s *Service) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req proto.RegisterClientRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	id := s.exec.RegisterClient(req.Host, req.Port)
	rpc.WriteOK(w, proto.RegisterClientResponse{ClientID: id})
}

func (s *Service) handleBeginTransaction(w http.ResponseWriter, r *http.Request) {
	var req proto.BeginTransactionRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	id, err := s.exec.BeginTransaction(r.Context(), req.ClientID, req.Name)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.BeginTransactionResponse{TransactionID: id})
}

func (s *Service) handleInvokeQuery(w http.ResponseWriter, r *http.Request) {
	var req proto.InvokeQueryRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	resp, err := s.exec.InvokeQuery(r.Context(), req)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, resp)
}

func (s *Service) handleFinalizeTransaction(w http.ResponseWriter, r *http.Request) {
	var req proto.FinalizeTransactionRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	if err := s.exec.FinalizeTransaction(r.Context(), req.ClientID, req.TransactionID, req.Mode); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.FinalizeTransactionResponse{})
}

func (s *Service) handleReplicationPrepare(w http.ResponseWriter, r *http.Request) {
	var req proto.ReplicationPrepareRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	resp, err := s.exec.Prepare(r.Context(), req)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, resp)
}

func (s *Service) handleReplicationFinalize(w http.ResponseWriter, r *http.Request) {
	var req proto.ReplicationFinalizeRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	resp, err := s.exec.Finalize(r.Context(), req)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, resp)
}

// Client is an HTTP client for the executor's client-facing surface, used
// by cmd/sddms-cli.
type Client struct {
	rpc *rpc.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{rpc: rpc.NewClient(baseURL, httpClient)}
}

func (c *Client) RegisterClient(ctx context.Context, host string, port int) (uint64, error) {
	var resp proto.RegisterClientResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/clients", proto.RegisterClientRequest{Host: host, Port: port}, &resp)
	return resp.ClientID, err
}

func (c *Client) BeginTransaction(ctx context.Context, clientID uint64, name string) (uint64, error) {
	var resp proto.BeginTransactionResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/transactions", proto.BeginTransactionRequest{ClientID: clientID, Name: name}, &resp)
	return resp.TransactionID, err
}

func (c *Client) InvokeQuery(ctx context.Context, req proto.InvokeQueryRequest) (proto.InvokeQueryResponse, error) {
	var resp proto.InvokeQueryResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/query", req, &resp)
	return resp, err
}

func (c *Client) FinalizeTransaction(ctx context.Context, clientID, transactionID uint64, mode proto.FinalizeMode) error {
	return c.rpc.Do(ctx, http.MethodPost, "/v1/transactions/finalize", proto.FinalizeTransactionRequest{
		ClientID:      clientID,
		TransactionID: transactionID,
		Mode:          mode,
	}, nil)
}

// PeerClient calls another site's two-stage replication endpoints. It
// satisfies pkg/replication's PeerClient interface structurally, so
// pkg/replication never needs to import pkg/executor.
type PeerClient struct {
	rpc *rpc.Client
}

func NewPeerClient(baseURL string, httpClient *http.Client) *PeerClient {
	return &PeerClient{rpc: rpc.NewClient(baseURL, httpClient)}
}

func (p *PeerClient) Prepare(ctx context.Context, req proto.ReplicationPrepareRequest) (proto.ReplicationPrepareResponse, error) {
	var resp proto.ReplicationPrepareResponse
	err := p.rpc.Do(ctx, http.MethodPost, "/v1/replication/prepare", req, &resp)
	return resp, err
}

func (p *PeerClient) Finalize(ctx context.Context, req proto.ReplicationFinalizeRequest) (proto.ReplicationFinalizeResponse, error) {
	var resp proto.ReplicationFinalizeResponse
	err := p.rpc.Do(ctx, http.MethodPost, "/v1/replication/finalize", req, &resp)
	return resp, err
}
