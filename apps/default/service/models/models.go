package models

import (
	"time"

	"github.com/pitabwire/util"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BaseModel carries the xid primary key and timestamps shared by entity tables.
type BaseModel struct {
	ID        string    `gorm:"type:varchar(50);primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"-"`
}

// BeforeCreate assigns a time-sortable id when the caller did not.
func (m *BaseModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = util.IDString()
	}
	return nil
}

func (m *BaseModel) GetID() string {
	return m.ID
}

// Conversation owns the authoritative sequence counter for its message log.
type Conversation struct {
	BaseModel
	Title     string `json:"title"`
	CreatedBy string `gorm:"type:varchar(50)" json:"createdBy"`
	// LastSequence is the sequence of the newest committed message, 0 when empty.
	LastSequence int64 `json:"lastSequence"`
	// PrunedThrough is the highest sequence removed by an explicit prune.
	PrunedThrough int64 `json:"prunedThrough"`
}

// Participant is the materialised membership row; history lives in MembershipEvent.
type Participant struct {
	ConversationID string     `gorm:"type:varchar(50);primaryKey"                  json:"conversationId"`
	UserID         string     `gorm:"type:varchar(50);primaryKey;index:idx_participant_user" json:"userId"`
	Active         bool       `gorm:"index:idx_participant_user"                   json:"active"`
	CanUploadMedia bool       `json:"canUploadMedia"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
}

type MembershipKind string

const (
	MembershipJoin  MembershipKind = "join"
	MembershipLeave MembershipKind = "leave"
)

// MembershipEvent is an append-only record of participant changes.
type MembershipEvent struct {
	BaseModel
	ConversationID string         `gorm:"type:varchar(50);index:idx_membership_conversation"`
	UserID         string         `gorm:"type:varchar(50)"`
	ActorID        string         `gorm:"type:varchar(50)"`
	Kind           MembershipKind `gorm:"type:varchar(10)"`
}

// MediaReference is an opaque pointer to an object held by the media store.
type MediaReference struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Message is immutable once committed. Sequence is unique within a conversation.
type Message struct {
	BaseModel
	ConversationID string                              `gorm:"type:varchar(50);uniqueIndex:idx_message_conversation_sequence" json:"conversationId"`
	Sequence       int64                               `gorm:"uniqueIndex:idx_message_conversation_sequence"                  json:"sequence"`
	SenderID       string                              `gorm:"type:varchar(50)"                                               json:"senderId"`
	Body           string                              `json:"body"`
	Media          datatypes.JSONSlice[MediaReference] `json:"media"`
}

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryAcknowledged DeliveryStatus = "acknowledged"
)

// Delivery tracks one message for one recipient.
type Delivery struct {
	MessageID      string         `gorm:"type:varchar(50);primaryKey"`
	RecipientID    string         `gorm:"type:varchar(50);primaryKey;index:idx_delivery_recipient_status,priority:1"`
	ConversationID string         `gorm:"type:varchar(50);index:idx_delivery_conversation"`
	Sequence       int64          `gorm:"index:idx_delivery_conversation"`
	Status         DeliveryStatus `gorm:"type:varchar(20);index:idx_delivery_recipient_status,priority:2"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReadMarker is the highest sequence a user has acknowledged in a conversation.
type ReadMarker struct {
	ConversationID string    `gorm:"type:varchar(50);primaryKey" json:"conversationId"`
	UserID         string    `gorm:"type:varchar(50);primaryKey" json:"userId"`
	UpToSequence   int64     `json:"upToSequence"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MaxIdempotencyKeyLength matches the width of the idempotency_key column.
const MaxIdempotencyKeyLength = 100

// PostIdempotency remembers which message a client-supplied key produced.
type PostIdempotency struct {
	ConversationID string `gorm:"type:varchar(50);primaryKey"`
	SenderID       string `gorm:"type:varchar(50);primaryKey"`
	Key            string `gorm:"column:idempotency_key;type:varchar(100);primaryKey"`
	MessageID      string `gorm:"type:varchar(50)"`
	CreatedAt      time.Time
}

// MediaObject is the media store's record of an uploaded object.
type MediaObject struct {
	ID             string `json:"id"`
	OwnerID        string `json:"ownerId"`
	ConversationID string `json:"conversationId,omitempty"`
	ContentType    string `json:"contentType"`
	Size           int64  `json:"size"`
}

// ConversationDetail is a conversation together with its active participants.
type ConversationDetail struct {
	*Conversation
	Participants []string `json:"participants"`
}

// AllTables lists every persisted model, in dependency order.
func AllTables() []any {
	return []any{
		&Conversation{},
		&Participant{},
		&MembershipEvent{},
		&Message{},
		&Delivery{},
		&ReadMarker{},
		&PostIdempotency{},
	}
}
