package cojson

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/ssd-technologies/covalue/internal/crypto"
)

// CoValueType is the content type recorded in a header.
type CoValueType string

const (
	TypeMap     CoValueType = "comap"
	TypeList    CoValueType = "colist"
	TypeStream  CoValueType = "costream"
	TypeGroup   CoValueType = "group"
	TypeAccount CoValueType = "account"
)

// RulesetType decides how transactions of a CoValue are validated.
type RulesetType string

const (
	RulesetGroup          RulesetType = "group"
	RulesetOwnedByGroup   RulesetType = "ownedByGroup"
	RulesetAppendOnly     RulesetType = "appendOnly"
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

type Ruleset struct {
	Type         RulesetType    `json:"type"`
	InitialAdmin crypto.AgentID `json:"initialAdmin,omitempty"`
	Group        CoID           `json:"group,omitempty"`
}

// Header is the immutable part of a CoValue. Its hash is the CoID.
type Header struct {
	Type       CoValueType     `json:"type"`
	Ruleset    Ruleset         `json:"ruleset"`
	Meta       json.RawMessage `json:"meta"`
	CreatedAt  *string         `json:"createdAt"`
	Uniqueness json.RawMessage `json:"uniqueness"`
}

// ID computes the CoID of the header.
func (h Header) ID() (CoID, error) {
	sum, err := crypto.ShortHashBytes(h)
	if err != nil {
		return "", fmt.Errorf("hash header: %w", err)
	}
	return CoID("co_z" + base58.Encode(sum)), nil
}

// OwnerGroup returns the governing group for owned rulesets.
func (h Header) OwnerGroup() (CoID, bool) {
	switch h.Ruleset.Type {
	case RulesetOwnedByGroup, RulesetAppendOnly:
		return h.Ruleset.Group, h.Ruleset.Group != ""
	}
	return "", false
}

// IsGroupLike reports whether the CoValue is a group or an account.
func (h Header) IsGroupLike() bool {
	return h.Ruleset.Type == RulesetGroup
}

func (h Header) validate() error {
	switch h.Type {
	case TypeMap, TypeList, TypeStream, TypeGroup, TypeAccount:
	default:
		return fmt.Errorf("unknown covalue type %q", h.Type)
	}
	switch h.Ruleset.Type {
	case RulesetGroup:
		if !crypto.IsAgentID(string(h.Ruleset.InitialAdmin)) {
			return fmt.Errorf("group ruleset without initialAdmin")
		}
		if h.Type != TypeGroup && h.Type != TypeAccount {
			return fmt.Errorf("group ruleset on %s", h.Type)
		}
	case RulesetOwnedByGroup, RulesetAppendOnly:
		if !IsCoID(string(h.Ruleset.Group)) {
			return fmt.Errorf("%s ruleset without group", h.Ruleset.Type)
		}
	case RulesetUnsafeAllowAll:
	default:
		return fmt.Errorf("unknown ruleset %q", h.Ruleset.Type)
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := crypto.StableJSON(v)
	if err != nil {
		panic(fmt.Sprintf("stable json: %v", err))
	}
	return raw
}

func newHeader(typ CoValueType, ruleset Ruleset, meta any, uniqueness any, now time.Time) Header {
	h := Header{Type: typ, Ruleset: ruleset}
	if meta != nil {
		h.Meta = mustJSON(meta)
	}
	if uniqueness == nil {
		created := now.UTC().Format(time.RFC3339Nano)
		h.CreatedAt = &created
		h.Uniqueness = mustJSON(crypto.RandomZ(12))
	} else {
		h.Uniqueness = mustJSON(uniqueness)
	}
	return h
}
