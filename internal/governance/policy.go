// Copyright 2025 James Ross
package governance

import "encoding/json"

// UnknownActorPolicy controls how an unrecognized actor_user_id is handled.
type UnknownActorPolicy string

const (
	ActorReject     UnknownActorPolicy = "reject"
	ActorDegrade    UnknownActorPolicy = "degrade"
	ActorAutoCreate UnknownActorPolicy = "auto_create"
)

// PolicyDocument is the per-project team/org write policy, stored as
// policy_json on the settings row.
type PolicyDocument struct {
	TeamWriteEnabled bool     `json:"team_write_enabled"`
	AllowlistUsers   []string `json:"allowlist_users"`
	AllowedKinds     []string `json:"allowed_kinds"`
	RequireEvidence  bool     `json:"require_evidence"`
	MaxChars         int      `json:"max_chars"`
	BulkMode         string   `json:"bulk_mode"` // very_short | reject | allow
}

// DefaultPolicy mirrors the conservative defaults a fresh project starts with.
func DefaultPolicy() PolicyDocument {
	return PolicyDocument{
		TeamWriteEnabled: false,
		AllowlistUsers:   nil,
		AllowedKinds:     []string{"PROCEDURE", "REVIEW_GUIDE", "PITFALL", "DECISION"},
		RequireEvidence:  true,
		MaxChars:         1200,
		BulkMode:         "very_short",
	}
}

func ParsePolicy(raw []byte) PolicyDocument {
	p := DefaultPolicy()
	if len(raw) == 0 {
		return p
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return DefaultPolicy()
	}
	return p
}

// SpaceKind classifies a target_space string by its scheme prefix.
type SpaceKind string

const (
	SpacePrivate SpaceKind = "private"
	SpaceTeam    SpaceKind = "team"
	SpaceOrg     SpaceKind = "org"
	SpaceUnknown SpaceKind = "unknown"
)

func ClassifySpace(targetSpace string) SpaceKind {
	switch {
	case hasPrefix(targetSpace, "private:"):
		return SpacePrivate
	case hasPrefix(targetSpace, "team:"):
		return SpaceTeam
	case hasPrefix(targetSpace, "org:"):
		return SpaceOrg
	default:
		return SpaceUnknown
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Decision is the policy engine's verdict, before delivery.
type Decision struct {
	Action string // allow | redirect | reject
	Reason string
}

// Decide implements the ordered team/org policy checks from the original
// gateway: team_write_enabled, allowlist_users, allowed_kinds,
// require_evidence, max_chars, bulk_mode. Private spaces always allow;
// unrecognized space schemes reject. Soft violations redirect to the
// caller's private space rather than reject.
func Decide(space string, actorUserID string, kind string, evidenceRefs []string, payloadLen int, isBulk bool, policy PolicyDocument) Decision {
	switch ClassifySpace(space) {
	case SpacePrivate:
		return Decision{Action: "allow", Reason: "private_space"}
	case SpaceTeam, SpaceOrg:
		return decideTeamOrOrg(actorUserID, kind, evidenceRefs, payloadLen, isBulk, policy)
	default:
		return Decision{Action: "reject", Reason: "unknown_space_type"}
	}
}

func decideTeamOrOrg(actorUserID, kind string, evidenceRefs []string, payloadLen int, isBulk bool, policy PolicyDocument) Decision {
	if !policy.TeamWriteEnabled {
		return Decision{Action: "redirect", Reason: "team_write_disabled"}
	}
	if len(policy.AllowlistUsers) > 0 && !contains(policy.AllowlistUsers, actorUserID) {
		return Decision{Action: "redirect", Reason: "user_not_in_allowlist"}
	}
	if len(policy.AllowedKinds) > 0 && !contains(policy.AllowedKinds, kind) {
		return Decision{Action: "redirect", Reason: "kind_not_allowed:" + kind}
	}
	if policy.RequireEvidence && len(evidenceRefs) == 0 {
		return Decision{Action: "redirect", Reason: "missing_evidence"}
	}
	if policy.MaxChars > 0 && payloadLen > policy.MaxChars {
		return Decision{Action: "redirect", Reason: "exceeds_max_chars"}
	}
	if isBulk {
		switch policy.BulkMode {
		case "very_short":
			if payloadLen > 200 {
				return Decision{Action: "redirect", Reason: "bulk_too_long"}
			}
		case "reject":
			return Decision{Action: "redirect", Reason: "bulk_not_allowed"}
		}
	}
	return Decision{Action: "allow", Reason: "policy_passed"}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
