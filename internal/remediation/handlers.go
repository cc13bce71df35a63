package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/pkg/responder"
)

// Built-in action names
const (
	ActionIsolateHost      = "isolate_host"
	ActionBlockIP          = "block_ip"
	ActionQuarantineFile   = "quarantine_file"
	ActionAlert            = "alert"
	ActionCollectForensics = "collect_forensics"
	ActionResetCredentials = "reset_credentials"
	ActionNotify           = "notify"
)

// Responder is the endpoint response API the host and identity handlers drive
type Responder interface {
	IsolateHost(ctx context.Context, host string) (*responder.Receipt, error)
	ReleaseHost(ctx context.Context, host string) (*responder.Receipt, error)
	QuarantineFile(ctx context.Context, host, path string) (*responder.Receipt, error)
	RestoreFile(ctx context.Context, host, path string) (*responder.Receipt, error)
	ResetCredentials(ctx context.Context, userID string) (*responder.Receipt, error)
	CollectForensics(ctx context.Context, host string, artifacts []string) (*responder.Receipt, error)
}

// Dependencies wires the built-in handlers to their backends
type Dependencies struct {
	Responder Responder
	Blocklist Blocklist
	Publisher notify.Publisher
	BlockTTL  time.Duration
	Logger    *slog.Logger
}

// RegisterDefaults registers every built-in handler on reg
func RegisterDefaults(reg *Registry, deps Dependencies) error {
	if deps.Blocklist == nil {
		deps.Blocklist = NewMemoryBlocklist()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	handlers := []Handler{
		&IsolateHostHandler{responder: deps.Responder},
		&BlockIPHandler{blocklist: deps.Blocklist, ttl: deps.BlockTTL},
		&QuarantineFileHandler{responder: deps.Responder},
		&AlertHandler{publisher: deps.Publisher},
		&CollectForensicsHandler{responder: deps.Responder},
		&ResetCredentialsHandler{responder: deps.Responder},
		&NotifyHandler{publisher: deps.Publisher, logger: deps.Logger},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

var errNoTarget = errors.New("no target")

func hostTarget(req *Request) (string, error) {
	if host := req.Param("host", ""); host != "" {
		return host, nil
	}
	if req.Threat != nil && len(req.Threat.AffectedAssets) > 0 {
		return req.Threat.AffectedAssets[0], nil
	}
	return "", fmt.Errorf("%w: host parameter required", errNoTarget)
}

func ipTarget(req *Request) (string, error) {
	if ip := req.Param("ip", ""); ip != "" {
		if net.ParseIP(ip) == nil {
			return "", fmt.Errorf("invalid ip address %q", ip)
		}
		return ip, nil
	}
	if req.Threat != nil {
		for _, asset := range req.Threat.AffectedAssets {
			if net.ParseIP(asset) != nil {
				return asset, nil
			}
		}
	}
	return "", fmt.Errorf("%w: ip parameter required", errNoTarget)
}

func userTarget(req *Request) (string, error) {
	if user := req.Param("userId", ""); user != "" {
		return user, nil
	}
	if req.Threat != nil {
		for _, asset := range req.Threat.AffectedAssets {
			if net.ParseIP(asset) == nil {
				return asset, nil
			}
		}
	}
	return "", fmt.Errorf("%w: userId parameter required", errNoTarget)
}

func receiptDetails(r *responder.Receipt, extra map[string]any) map[string]any {
	d := map[string]any{"receiptId": r.ID, "status": r.Status}
	if r.Mock {
		d["mock"] = true
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

// IsolateHostHandler cuts an affected host off the network
type IsolateHostHandler struct {
	responder Responder
}

func (h *IsolateHostHandler) Name() string      { return ActionIsolateHost }
func (h *IsolateHostHandler) Containment() bool { return true }

func (h *IsolateHostHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	host, err := hostTarget(req)
	if err != nil {
		return nil, err
	}
	receipt, err := h.responder.IsolateHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "host " + host + " isolated", Details: receiptDetails(receipt, map[string]any{"host": host})}, nil
}

func (h *IsolateHostHandler) Rollback(ctx context.Context, req *Request) error {
	host, err := hostTarget(req)
	if err != nil {
		return err
	}
	_, err = h.responder.ReleaseHost(ctx, host)
	return err
}

// BlockIPHandler adds the source address to the perimeter blocklist
type BlockIPHandler struct {
	blocklist Blocklist
	ttl       time.Duration
}

func (h *BlockIPHandler) Name() string      { return ActionBlockIP }
func (h *BlockIPHandler) Containment() bool { return true }

func (h *BlockIPHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	ip, err := ipTarget(req)
	if err != nil {
		return nil, err
	}
	ttl := h.ttl
	if d, err := time.ParseDuration(req.Param("duration", "")); err == nil && d > 0 {
		ttl = d
	}
	reason := "threat"
	if req.Threat != nil {
		reason = req.Threat.ID.String()
	}
	if err := h.blocklist.Block(ctx, ip, reason, ttl); err != nil {
		return nil, err
	}
	return &Result{Summary: "ip " + ip + " blocked", Details: map[string]any{"ip": ip, "ttl": ttl.String()}}, nil
}

func (h *BlockIPHandler) Rollback(ctx context.Context, req *Request) error {
	ip, err := ipTarget(req)
	if err != nil {
		return err
	}
	return h.blocklist.Unblock(ctx, ip)
}

// QuarantineFileHandler moves flagged files on a host into quarantine
type QuarantineFileHandler struct {
	responder Responder
}

func (h *QuarantineFileHandler) Name() string      { return ActionQuarantineFile }
func (h *QuarantineFileHandler) Containment() bool { return true }

func (h *QuarantineFileHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	host, err := hostTarget(req)
	if err != nil {
		return nil, err
	}
	// "*" asks the responder for every artifact it flagged on the host
	path := req.Param("path", "*")
	receipt, err := h.responder.QuarantineFile(ctx, host, path)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "quarantined " + path + " on " + host,
		Details: receiptDetails(receipt, map[string]any{"host": host, "path": path})}, nil
}

func (h *QuarantineFileHandler) Rollback(ctx context.Context, req *Request) error {
	host, err := hostTarget(req)
	if err != nil {
		return err
	}
	_, err = h.responder.RestoreFile(ctx, host, req.Param("path", "*"))
	return err
}

// AlertHandler raises an alert for the on-call team
type AlertHandler struct {
	publisher notify.Publisher
}

func (h *AlertHandler) Name() string      { return ActionAlert }
func (h *AlertHandler) Containment() bool { return false }

func (h *AlertHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	alert := map[string]any{
		"channel":  req.Param("channel", "security"),
		"priority": req.Param("priority", "P2"),
		"actor":    req.Actor,
	}
	if req.Threat != nil {
		alert["threatId"] = req.Threat.ID
		alert["threatType"] = req.Threat.ThreatType
		alert["riskScore"] = req.Threat.RiskScore
	}
	if req.IncidentID != nil {
		alert["incidentId"] = *req.IncidentID
	}
	if err := h.publisher.Publish(ctx, notify.SubjectAlerts, alert); err != nil {
		return nil, err
	}
	return &Result{Summary: "alert sent to " + alert["channel"].(string), Details: alert}, nil
}

// CollectForensicsHandler requests an evidence snapshot of a host
type CollectForensicsHandler struct {
	responder Responder
}

func (h *CollectForensicsHandler) Name() string      { return ActionCollectForensics }
func (h *CollectForensicsHandler) Containment() bool { return false }

func (h *CollectForensicsHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	host, err := hostTarget(req)
	if err != nil {
		return nil, err
	}
	artifacts := strings.Split(req.Param("artifacts", "memory,processes,network"), ",")
	receipt, err := h.responder.CollectForensics(ctx, host, artifacts)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "forensics requested for " + host,
		Details: receiptDetails(receipt, map[string]any{"host": host, "artifacts": artifacts})}, nil
}

// ResetCredentialsHandler forces a credential reset for an affected user
type ResetCredentialsHandler struct {
	responder Responder
}

func (h *ResetCredentialsHandler) Name() string      { return ActionResetCredentials }
func (h *ResetCredentialsHandler) Containment() bool { return false }

func (h *ResetCredentialsHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	user, err := userTarget(req)
	if err != nil {
		return nil, err
	}
	receipt, err := h.responder.ResetCredentials(ctx, user)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: "credentials reset for " + user,
		Details: receiptDetails(receipt, map[string]any{"userId": user})}, nil
}

// NotifyHandler informs stakeholders outside the on-call rotation
type NotifyHandler struct {
	publisher notify.Publisher
	logger    *slog.Logger
}

func (h *NotifyHandler) Name() string      { return ActionNotify }
func (h *NotifyHandler) Containment() bool { return false }

func (h *NotifyHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	recipient := req.Param("recipient", "asset-owner")
	msg := map[string]any{
		"recipient": recipient,
		"message":   req.Param("message", "A security incident affects one of your assets"),
		"actor":     req.Actor,
	}
	if req.Threat != nil {
		msg["threatId"] = req.Threat.ID
		msg["assets"] = req.Threat.AffectedAssets
	}
	if err := h.publisher.Publish(ctx, notify.SubjectNotifications, msg); err != nil {
		return nil, err
	}
	h.logger.Info("stakeholder notified", "recipient", recipient, "threat_id", msg["threatId"])
	return &Result{Summary: "notified " + recipient, Details: msg}, nil
}
