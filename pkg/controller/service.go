package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mnohosten/sddms/pkg/logging"
	"github.com/mnohosten/sddms/pkg/proto"
	"github.com/mnohosten/sddms/pkg/rpc"
)

// Service exposes the controller surface from §6 over HTTP, grounded on
// the teacher's pkg/server request-handler layout (one method per route,
// decode/validate/call/encode).
type Service struct {
	ctrl   *Controller
	logger *logging.Logger
}

// NewService wraps ctrl for HTTP serving.
func NewService(ctrl *Controller, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default("controller-http")
	}
	return &Service{ctrl: ctrl, logger: logger}
}

// Routes mounts the controller surface onto r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/v1/sites", s.handleRegisterSite)
	r.Post("/v1/transactions", s.handleRegisterTransaction)
	r.Post("/v1/locks/acquire", s.handleAcquireLock)
	r.Post("/v1/locks/release", s.handleReleaseLock)
	r.Post("/v1/transactions/finalize", s.handleFinalizeTransaction)
}

func (s *Service) handleRegisterSite(w http.ResponseWriter, r *http.Request) {
	var req proto.RegisterSiteRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	id := s.ctrl.RegisterSite(req.Host, req.Port)
	rpc.WriteOK(w, proto.RegisterSiteResponse{SiteID: id})
}

func (s *Service) handleRegisterTransaction(w http.ResponseWriter, r *http.Request) {
	var req proto.RegisterTransactionRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	id, err := s.ctrl.RegisterTransaction(req.SiteID, req.Name)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.RegisterTransactionResponse{TransactionID: uint64(id)})
}

func (s *Service) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req proto.AcquireLockRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	acquired, err := s.ctrl.AcquireLock(r.Context(), req.SiteID, req.TransactionID, req.LockRequests)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.AcquireLockResponse{Acquired: acquired})
}

func (s *Service) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req proto.ReleaseLockRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	if err := s.ctrl.ReleaseLock(req.SiteID, req.TransactionID, req.RecordName); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.ReleaseLockResponse{Released: true})
}

func (s *Service) handleFinalizeTransaction(w http.ResponseWriter, r *http.Request) {
	var req proto.ControllerFinalizeRequest
	if err := rpc.DecodeJSON(r, &req); err != nil {
		rpc.WriteErr(w, err)
		return
	}
	err := s.ctrl.FinalizeTransaction(r.Context(), req.SiteID, req.TransactionID, req.FinalizeMode, req.UpdateHistory)
	if err != nil {
		rpc.WriteErr(w, err)
		return
	}
	rpc.WriteOK(w, proto.ControllerFinalizeResponse{})
}

// Client is an HTTP client for the controller surface, used by executors.
type Client struct {
	rpc *rpc.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{rpc: rpc.NewClient(baseURL, httpClient)}
}

func (c *Client) RegisterSite(ctx context.Context, host string, port int) (uint64, error) {
	var resp proto.RegisterSiteResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/sites", proto.RegisterSiteRequest{Host: host, Port: port}, &resp)
	return resp.SiteID, err
}

func (c *Client) RegisterTransaction(ctx context.Context, siteID uint64, name string) (uint64, error) {
	var resp proto.RegisterTransactionResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/transactions", proto.RegisterTransactionRequest{SiteID: siteID, Name: name}, &resp)
	return resp.TransactionID, err
}

func (c *Client) AcquireLock(ctx context.Context, siteID, transactionID uint64, requests []proto.LockRequest) (bool, error) {
	var resp proto.AcquireLockResponse
	err := c.rpc.Do(ctx, http.MethodPost, "/v1/locks/acquire", proto.AcquireLockRequest{
		SiteID:        siteID,
		TransactionID: transactionID,
		LockRequests:  requests,
	}, &resp)
	return resp.Acquired, err
}

func (c *Client) ReleaseLock(ctx context.Context, siteID, transactionID uint64, record string) error {
	return c.rpc.Do(ctx, http.MethodPost, "/v1/locks/release", proto.ReleaseLockRequest{
		SiteID:        siteID,
		TransactionID: transactionID,
		RecordName:    record,
	}, nil)
}

func (c *Client) FinalizeTransaction(ctx context.Context, siteID, transactionID uint64, mode proto.FinalizeMode, updateHistory []string) error {
	return c.rpc.Do(ctx, http.MethodPost, "/v1/transactions/finalize", proto.ControllerFinalizeRequest{
		SiteID:        siteID,
		TransactionID: transactionID,
		FinalizeMode:  mode,
		UpdateHistory: updateHistory,
	}, nil)
}
