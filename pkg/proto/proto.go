// Package proto defines the wire message set shared by the three RPC links
// in SDDMS: client<->executor, executor<->controller, and executor<->peer
// executor. Each request/response pair corresponds to one entry in the
// spec's wire protocol table, except that the peer replication update is
// split into a Prepare pair and a Finalize pair; nothing here is transport-
// specific (see pkg/rpc for the HTTP envelope these travel inside).
package proto

// LockMode is the granularity-independent lock mode requested on a record.
type LockMode string

const (
	Shared    LockMode = "Shared"
	Exclusive LockMode = "Exclusive"
)

// Stronger reports whether a is a strictly stronger mode than b.
func (a LockMode) Stronger(b LockMode) bool {
	return a == Exclusive && b == Shared
}

// FinalizeMode is how a transaction wants to end.
type FinalizeMode string

const (
	Commit FinalizeMode = "Commit"
	Abort  FinalizeMode = "Abort"
)

// LockRequest is one element of an AcquireLock batch.
type LockRequest struct {
	RecordName string   `json:"record_name"`
	Mode       LockMode `json:"mode"`
}

// --- Controller surface -----------------------------------------------

type RegisterSiteRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RegisterSiteResponse struct {
	SiteID uint64 `json:"site_id"`
}

type RegisterTransactionRequest struct {
	SiteID uint64 `json:"site_id"`
	Name   string `json:"name,omitempty"`
}

type RegisterTransactionResponse struct {
	TransactionID uint64 `json:"transaction_id"`
}

type AcquireLockRequest struct {
	SiteID        uint64        `json:"site_id"`
	TransactionID uint64        `json:"transaction_id"`
	LockRequests  []LockRequest `json:"lock_requests"`
}

type AcquireLockResponse struct {
	Acquired bool `json:"acquired"`
}

type ReleaseLockRequest struct {
	SiteID        uint64 `json:"site_id"`
	TransactionID uint64 `json:"transaction_id"`
	RecordName    string `json:"record_name"`
}

type ReleaseLockResponse struct {
	Released bool `json:"released"`
}

type ControllerFinalizeRequest struct {
	SiteID        uint64       `json:"site_id"`
	TransactionID uint64       `json:"transaction_id"`
	FinalizeMode  FinalizeMode `json:"finalize_mode"`
	UpdateHistory []string     `json:"update_history,omitempty"`
}

type ControllerFinalizeResponse struct{}

// --- Executor (client-facing) surface -----------------------------------

type RegisterClientRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type RegisterClientResponse struct {
	ClientID uint64 `json:"client_id"`
}

type BeginTransactionRequest struct {
	ClientID uint64 `json:"client_id"`
	Name     string `json:"name,omitempty"`
}

type BeginTransactionResponse struct {
	TransactionID uint64 `json:"transaction_id"`
}

type InvokeQueryRequest struct {
	ClientID            uint64   `json:"client_id"`
	TransactionID       uint64   `json:"transaction_id"`
	Query               string   `json:"query"`
	ReadSet             []string `json:"read_set"`
	WriteSet            []string `json:"write_set"`
	HasResults          bool     `json:"has_results"`
	SingleStmtTxn       bool     `json:"single_stmt_transaction"`
}

// Row is a single self-describing record: column name -> value.
type Row map[string]interface{}

type InvokeQueryResponse struct {
	ColumnNames     []string `json:"column_names,omitempty"`
	DataPayload     []Row    `json:"data_payload,omitempty"`
	AffectedRecords int64    `json:"affected_records,omitempty"`
}

type FinalizeTransactionRequest struct {
	ClientID      uint64       `json:"client_id"`
	TransactionID uint64       `json:"transaction_id"`
	Mode          FinalizeMode `json:"mode"`
}

type FinalizeTransactionResponse struct{}

// --- Peer (executor-to-executor) surface --------------------------------

// ReplicationPrepareRequest/Response and ReplicationFinalizeRequest/Response
// are the wire shape of the commit-time fan-out's §4.3 ReplicationUpdate
// message, split into the two-stage application the design notes call for:
// Prepare opens a local replication transaction and applies the
// statements; Finalize commits or rolls it back depending on whether every
// peer prepared successfully.
type ReplicationPrepareRequest struct {
	TransactionID    uint64   `json:"transaction_id"`
	OriginatingSite  uint64   `json:"originating_site"`
	UpdateStatements []string `json:"update_statements"`
	Checksum         string   `json:"checksum"`
	Compressed       bool     `json:"compressed"`
}

type ReplicationPrepareResponse struct {
	Ready bool `json:"ready"`
}

type ReplicationFinalizeRequest struct {
	TransactionID uint64       `json:"transaction_id"`
	Mode          FinalizeMode `json:"mode"`
}

type ReplicationFinalizeResponse struct{}
