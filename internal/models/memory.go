// Package models defines the domain types for memvault.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Kind classifies a memory record.
type Kind string

// Memory kinds.
const (
	KindConversation   Kind = "conversation"
	KindLearnedFact    Kind = "learned_fact"
	KindUserPreference Kind = "user_preference"
	KindTask           Kind = "task"
	KindCalendarEvent  Kind = "calendar_event"
	KindNote           Kind = "note"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{
	KindConversation,
	KindLearnedFact,
	KindUserPreference,
	KindTask,
	KindCalendarEvent,
	KindNote,
}

// ValidKind reports whether k belongs to the closed set of kinds.
func ValidKind(k Kind) bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// Permission actions.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionShare  = "share"
)

// Permission grants a set of actions to a grantee.
type Permission struct {
	GranteeID string   `json:"granteeId"`
	Actions   []string `json:"actions"`
}

// Validate validates the permission.
func (p Permission) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.GranteeID, validation.Required),
		validation.Field(&p.Actions, validation.Required,
			validation.Each(validation.In(ActionRead, ActionWrite, ActionDelete, ActionShare))),
	)
}

// AccessPolicy describes who owns a record and who else may act on it.
// Owner is fixed once the record is created.
type AccessPolicy struct {
	Owner       string       `json:"owner"`
	Permissions []Permission `json:"permissions"`
}

// Metadata carries derived facts about the stored payload.
type Metadata struct {
	Size            int      `json:"size"`
	MimeType        string   `json:"mimeType"`
	Checksum        string   `json:"checksum"`
	Version         int      `json:"version"`
	RelatedMemories []string `json:"relatedMemories,omitempty"`
	// KeyID identifies the key the content was encrypted with. Empty for
	// plaintext records.
	KeyID string `json:"keyId,omitempty"`
}

// MemoryRecord is the durable unit persisted to the remote entity store.
type MemoryRecord struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Kind         Kind         `json:"type"`
	Category     string       `json:"category"`
	Tags         []string     `json:"tags"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Encrypted    bool         `json:"encrypted"`
	AccessPolicy AccessPolicy `json:"accessPolicy"`
	Metadata     Metadata     `json:"metadata"`
	// RemoteKey is assigned by the remote store and is not part of the
	// serialized payload.
	RemoteKey string `json:"-"`
}

// Validate checks the record invariants.
func (r *MemoryRecord) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.ID, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.By(func(v interface{}) error {
			if k, _ := v.(Kind); !ValidKind(k) {
				return fmt.Errorf("unknown kind %q", k)
			}
			return nil
		})),
		validation.Field(&r.CreatedAt, validation.Required),
		validation.Field(&r.UpdatedAt, validation.Required, validation.By(func(interface{}) error {
			if r.UpdatedAt.Before(r.CreatedAt) {
				return errors.New("must not be before createdAt")
			}
			return nil
		})),
		validation.Field(&r.Content, validation.By(func(interface{}) error {
			if !r.Encrypted {
				return nil
			}
			if _, err := ParseEnvelope(r.Content); err != nil {
				return fmt.Errorf("encrypted content is not an envelope: %w", err)
			}
			return nil
		})),
		validation.Field(&r.AccessPolicy),
	)
	return err
}

// Validate validates the access policy.
func (p AccessPolicy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Owner, validation.Required),
		validation.Field(&p.Permissions),
	)
}

// Clone returns a deep copy of r.
func (r *MemoryRecord) Clone() *MemoryRecord {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.Metadata.RelatedMemories = append([]string(nil), r.Metadata.RelatedMemories...)
	c.AccessPolicy.Permissions = make([]Permission, len(r.AccessPolicy.Permissions))
	for i, p := range r.AccessPolicy.Permissions {
		c.AccessPolicy.Permissions[i] = Permission{
			GranteeID: p.GranteeID,
			Actions:   append([]string(nil), p.Actions...),
		}
	}
	return &c
}

// Marshal serializes the record as the remote payload.
func (r *MemoryRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord decodes a remote payload and attaches its remote key.
func UnmarshalRecord(remoteKey string, payload []byte) (*MemoryRecord, error) {
	var r MemoryRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.ID == "" {
		return nil, errors.New("decode record: missing id")
	}
	r.RemoteKey = remoteKey
	return &r, nil
}
