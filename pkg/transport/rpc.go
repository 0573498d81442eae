package transport

import (
    "context"

    m "github.com/amirimatin/go-safemode/pkg/membership"
)

// StatusFunc returns a JSON-encoded coordinator status for /status. Using
// []byte avoids import cycles on coordinator types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// SafeModeFunc returns a JSON-encoded safe-mode status for /safemode.
type SafeModeFunc func(ctx context.Context) ([]byte, error)

// RegisterRequest carries a data node registration report.
type RegisterRequest struct {
    Report m.RegistrationReport `json:"report"`
}

// RegisterResponse reports whether the registration was committed and the
// coordinator's safe-mode state afterwards.
type RegisterResponse struct {
    Accepted   bool   `json:"accepted"`
    InSafeMode bool   `json:"inSafeMode"`
    Leader     string `json:"leader,omitempty"`
    Error      string `json:"error,omitempty"`
}

// RegisterFunc handles data node registrations. Followers forward to the leader.
type RegisterFunc func(ctx context.Context, req RegisterRequest) (RegisterResponse, error)

// ForceExitRequest is the operator override for leaving safe mode.
type ForceExitRequest struct {
    Reason string `json:"reason,omitempty"`
}

type ForceExitResponse struct {
    // Exited is false when the coordinator was already out of safe mode.
    Exited bool   `json:"exited"`
    Error  string `json:"error,omitempty"`
}

type ForceExitFunc func(ctx context.Context, req ForceExitRequest) (ForceExitResponse, error)

// EnterRequest asks a coordinator to restart its safe-mode evaluation epoch.
type EnterRequest struct {
    Reason string `json:"reason,omitempty"`
}

type EnterResponse struct {
    Entered bool   `json:"entered"`
    Error   string `json:"error,omitempty"`
}

type EnterFunc func(ctx context.Context, req EnterRequest) (EnterResponse, error)

// JoinRequest describes a coordinator join intent and carries the raft
// address that should be added as a voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// JoinFunc handles coordinator join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a coordinator from the raft cluster.
type LeaveRequest struct {
    ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// LeaveFunc handles leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// Handlers bundles the management operations served by an RPCServer. A nil
// handler is reported to callers as unsupported.
type Handlers struct {
    Status    StatusFunc
    SafeMode  SafeModeFunc
    Register  RegisterFunc
    ForceExit ForceExitFunc
    Enter     EnterFunc
    Join      JoinFunc
    Leave     LeaveFunc
}

// RPCServer exposes the management endpoints.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    // Addr returns the bound listen address once started.
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs management calls against a coordinator using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetSafeMode(ctx context.Context, addr string) ([]byte, error)
    PostRegister(ctx context.Context, addr string, req RegisterRequest) (RegisterResponse, error)
    PostForceExit(ctx context.Context, addr string, req ForceExitRequest) (ForceExitResponse, error)
    PostEnter(ctx context.Context, addr string, req EnterRequest) (EnterResponse, error)
    PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
}
