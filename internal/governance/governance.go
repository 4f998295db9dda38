// Copyright 2025 James Ross
package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/engram/internal/obs"
	"github.com/flyingrobots/engram/internal/outbox"
	"github.com/flyingrobots/engram/internal/store"
	"github.com/google/uuid"
)

// ActorResolver checks whether actor_user_id is known and can create one
// when UnknownActorPolicy is auto_create.
type ActorResolver interface {
	Exists(ctx context.Context, actorUserID string) (bool, error)
	Create(ctx context.Context, actorUserID string) error
}

// MemoryClient is the outbound dependency for delivering allowed/redirected
// writes to the semantic memory service.
type MemoryClient interface {
	Add(ctx context.Context, targetSpace, payloadMD string) (memoryID string, err error)
}

// Store is the subset of internal/store.DB governance depends on.
type Store interface {
	GetOrCreateSettings(ctx context.Context, projectKey string) (*store.Settings, error)
	UpdateSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyPatch []byte, updatedBy string) (*store.Settings, error)
	FindSentByDedupKey(ctx context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error)
	EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string, itemID *string, nextAttemptAt time.Time) (int64, error)
	InsertAudit(ctx context.Context, rec store.AuditRecord) (int64, error)
}

// Request is one caller-submitted memory write.
type Request struct {
	PayloadMD     string
	TargetSpace   string
	Kind          string
	EvidenceRefs  []string
	IsBulk        bool
	ItemID        *string
	ActorUserID   string
	ProjectKey    string
}

// Result is the caller-visible outcome.
type Result struct {
	OK           bool
	Action       string
	SpaceWritten string
	MemoryID     string
	EvidenceRefs []string
	Message      string
}

// Engine wires the actor resolver, policy engine, store, and memory client
// into the write-governance flow described in §4.9.
type Engine struct {
	st                 Store
	actors             ActorResolver
	client             MemoryClient
	unknownActorPolicy UnknownActorPolicy
}

func NewEngine(st Store, actors ActorResolver, client MemoryClient, unknownActorPolicy UnknownActorPolicy) *Engine {
	return &Engine{st: st, actors: actors, client: client, unknownActorPolicy: unknownActorPolicy}
}

// Write runs the full governance flow: actor resolution, dedup, policy
// decision, delivery.
func (e *Engine) Write(ctx context.Context, req Request) (Result, error) {
	correlationID := uuid.NewString()
	payloadSHA := PayloadSHA(req.PayloadMD)
	targetSpace := req.TargetSpace
	if targetSpace == "" {
		targetSpace = fmt.Sprintf("team:%s", req.ProjectKey)
	}

	if req.ActorUserID != "" {
		known, err := e.actors.Exists(ctx, req.ActorUserID)
		if err != nil {
			return Result{}, fmt.Errorf("governance: resolve actor: %w", err)
		}
		if !known {
			res, handled := e.handleUnknownActor(ctx, req, targetSpace, payloadSHA, correlationID)
			if handled {
				return res, nil
			}
			// auto_create succeeded (original space) or degrade rerouted the
			// write (res.SpaceWritten); fall through with that space.
			if res.SpaceWritten != "" {
				targetSpace = res.SpaceWritten
			}
		}
	}

	if sent, err := e.st.FindSentByDedupKey(ctx, targetSpace, payloadSHA); err == nil {
		memoryID := extractMemoryID(sent.LastError)
		e.audit(ctx, targetSpace, store.ActionAllow, "dedup_hit", &payloadSHA, correlationID, map[string]interface{}{
			"memory_id": memoryID,
		})
		return Result{OK: true, Action: "allow", SpaceWritten: targetSpace, MemoryID: memoryID}, nil
	}

	settings, err := e.st.GetOrCreateSettings(ctx, req.ProjectKey)
	if err != nil {
		return Result{}, fmt.Errorf("governance: load settings: %w", err)
	}
	policy := ParsePolicy(settings.PolicyJSON)
	policy.TeamWriteEnabled = settings.TeamWriteEnabled || policy.TeamWriteEnabled
	decision := Decide(targetSpace, req.ActorUserID, req.Kind, req.EvidenceRefs, len(req.PayloadMD), req.IsBulk, policy)
	obs.GovernanceDecisions.WithLabelValues(decision.Action).Inc()

	finalSpace := targetSpace
	if decision.Action == "redirect" {
		finalSpace = fmt.Sprintf("private:%s", req.ActorUserID)
	}
	if decision.Action == "reject" {
		e.audit(ctx, targetSpace, store.ActionReject, "policy."+decision.Reason, &payloadSHA, correlationID, nil)
		return Result{OK: false, Action: "reject", Message: decision.Reason}, nil
	}

	memoryID, derr := e.client.Add(ctx, finalSpace, req.PayloadMD)
	if derr != nil {
		if _, err := e.st.EnqueueOutbox(ctx, finalSpace, outbox.CompressPayload(req.PayloadMD), payloadSHA, req.ItemID, time.Now()); err != nil {
			return Result{}, fmt.Errorf("governance: enqueue outbox: %w", err)
		}
		e.audit(ctx, finalSpace, store.ActionRedirect, fmt.Sprintf("openmemory_write_failed:%v", derr), &payloadSHA, correlationID, nil)
		return Result{OK: true, Action: "redirect", SpaceWritten: finalSpace, Message: "queued for retry"}, nil
	}

	action := store.ActionAllow
	if decision.Action == "redirect" {
		action = store.ActionRedirect
	}
	e.audit(ctx, finalSpace, action, "policy."+decision.Reason, &payloadSHA, correlationID, map[string]interface{}{
		"memory_id": memoryID,
	})
	return Result{OK: true, Action: decision.Action, SpaceWritten: finalSpace, MemoryID: memoryID}, nil
}

func (e *Engine) handleUnknownActor(ctx context.Context, req Request, targetSpace, payloadSHA, correlationID string) (Result, bool) {
	switch e.unknownActorPolicy {
	case ActorReject:
		e.audit(ctx, targetSpace, store.ActionReject, "ACTOR_UNKNOWN_REJECT", &payloadSHA, correlationID, nil)
		return Result{OK: false, Action: "reject", Message: "unknown actor"}, true
	case ActorDegrade:
		degradedSpace := "private:unknown"
		e.audit(ctx, degradedSpace, store.ActionRedirect, "ACTOR_UNKNOWN_DEGRADE", &payloadSHA, correlationID, nil)
		return Result{SpaceWritten: degradedSpace}, false
	case ActorAutoCreate:
		if err := e.actors.Create(ctx, req.ActorUserID); err != nil {
			e.audit(ctx, targetSpace, store.ActionReject, "ACTOR_AUTOCREATE_FAILED", &payloadSHA, correlationID, nil)
			return Result{OK: false, Action: "reject", Message: "actor auto-create failed"}, true
		}
		e.audit(ctx, targetSpace, store.ActionAllow, "ACTOR_AUTOCREATED", &payloadSHA, correlationID, nil)
		return Result{}, false
	}
	return Result{OK: false, Action: "reject", Message: "unknown actor policy misconfigured"}, true
}

// UpdateSettings implements the protected governance-update operation.
// Authorization: adminKeyMatches must be true, OR actorUserID must be in the
// current policy's allowlist_users. An audit row is always written.
func (e *Engine) UpdateSettings(ctx context.Context, projectKey string, adminKeyMatches bool, actorUserID string, teamWriteEnabled *bool, policyPatch PolicyDocument, updatedBy string) error {
	settings, err := e.st.GetOrCreateSettings(ctx, projectKey)
	if err != nil {
		return fmt.Errorf("governance: update settings: load: %w", err)
	}
	current := ParsePolicy(settings.PolicyJSON)
	authorized := adminKeyMatches || contains(current.AllowlistUsers, actorUserID)
	if !authorized {
		e.auditSimple(ctx, "GOVERNANCE_UPDATE_UNAUTHORIZED", projectKey)
		return fmt.Errorf("governance: unauthorized settings update")
	}

	patch, err := json.Marshal(policyPatch)
	if err != nil {
		return fmt.Errorf("governance: marshal policy patch: %w", err)
	}
	if _, err := e.st.UpdateSettings(ctx, projectKey, teamWriteEnabled, patch, updatedBy); err != nil {
		e.auditSimple(ctx, "GOVERNANCE_UPDATE_FAILED", projectKey)
		return fmt.Errorf("governance: update settings: %w", err)
	}
	e.auditSimple(ctx, "GOVERNANCE_UPDATE_SUCCESS", projectKey)
	return nil
}

func (e *Engine) audit(ctx context.Context, space string, action store.AuditAction, reason string, sha *string, correlationID string, extra map[string]interface{}) {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["correlation_id"] = correlationID
	payload, _ := json.Marshal(map[string]interface{}{"source": "governance", "extra": extra})
	_, _ = e.st.InsertAudit(ctx, store.AuditRecord{
		TargetSpace:      space,
		Action:           action,
		Reason:           reason,
		PayloadSHA:       sha,
		EvidenceRefsJSON: payload,
	})
}

func (e *Engine) auditSimple(ctx context.Context, reason, projectKey string) {
	payload, _ := json.Marshal(map[string]interface{}{"source": "governance"})
	_, _ = e.st.InsertAudit(ctx, store.AuditRecord{
		TargetSpace:      fmt.Sprintf("team:%s", projectKey),
		Action:           store.ActionAllow,
		Reason:           reason,
		EvidenceRefsJSON: payload,
	})
}

// PayloadSHA computes the dedup key hash for a payload body.
func PayloadSHA(payloadMD string) string {
	sum := sha256.Sum256([]byte(payloadMD))
	return hex.EncodeToString(sum[:])
}

func extractMemoryID(lastError *string) string {
	if lastError == nil {
		return ""
	}
	const prefix = "memory_id="
	s := *lastError
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}
