package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type config struct {
	HTTPListen      string
	DBPath          string
	AdminToken      string
	SyncToken       string
	Peers           []string
	NotifyCommand   string
	NotifyTimeout   time.Duration
	ChallengePrefix string
	DefaultTTL      uint32
	SyncHTTPClient  *http.Client
}

// accessLevel scopes a grant: exact covers one FQDN, subtree covers every
// strict sub-label of the FQDN but not the FQDN itself.
type accessLevel string

const (
	accessExact   accessLevel = "exact"
	accessSubtree accessLevel = "subtree"
)

type accessGrant struct {
	Domain string      `json:"domain"`
	Level  accessLevel `json:"access_level"`
}

type userAccount struct {
	Username     string
	PasswordHash string
}

// recordRequest is the correlation envelope exchanged over the relation
// channel. A request without a record must carry a status; the requester
// side owns the record fields, the authority side owns status/description.
type recordRequest struct {
	UUID        uuid.UUID
	Status      Status
	Description string
	Record      *record
}

type intent string

const (
	intentPresent intent = "present"
	intentCleanup intent = "cleanup"
)

// syncEvent is the envelope accepted on the sync endpoint. op "notice"
// carries an authority-originated notice; op "status" carries the relation
// data written by the authority side.
type syncEvent struct {
	Op      string            `json:"op"`
	Kind    string            `json:"kind,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

type presentRequest struct {
	FQDN  string `json:"fqdn"`
	Value string `json:"value"`
}

type store struct {
	mu       sync.RWMutex
	users    map[string]userAccount
	domains  map[string]uint64
	grants   map[string][]accessGrant
	requests []recordRequest
}

type userModel struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"size:150;uniqueIndex;not null"`
	PasswordHash string    `gorm:"size:128;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type domainModel struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	FQDN string `gorm:"size:255;uniqueIndex;not null"`
}

type permissionModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	UserID      uint64 `gorm:"not null;uniqueIndex:idx_perm_user_domain_level,priority:1"`
	DomainID    uint64 `gorm:"not null;uniqueIndex:idx_perm_user_domain_level,priority:2"`
	AccessLevel string `gorm:"size:16;not null;uniqueIndex:idx_perm_user_domain_level,priority:3"`
	Text        string `gorm:"type:text"`
}

type auditModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Username  string    `gorm:"size:150;not null;index"`
	FQDN      string    `gorm:"size:255;not null"`
	Action    string    `gorm:"size:16;not null"`
	Status    string    `gorm:"size:32;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type settingModel struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"type:text;not null"`
}

type relationModel struct {
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (userModel) TableName() string       { return "users" }
func (domainModel) TableName() string     { return "domains" }
func (permissionModel) TableName() string { return "permissions" }
func (auditModel) TableName() string      { return "audit_log" }
func (settingModel) TableName() string    { return "settings" }
func (relationModel) TableName() string   { return "relation_data" }

type persistence struct {
	db *gorm.DB
}

type server struct {
	cfg       config
	data      *store
	persist   *persistence
	notify    *notifier
	namespace uuid.UUID
	start     time.Time
}
