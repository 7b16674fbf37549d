package storage

import "time"

type Bot struct {
	ID            string
	OwnerID       string
	Name          string
	Provider      string
	Model         string
	EncAPIKey     *string
	Instructions  string
	StartersJSON  string
	Avatar        string
	ParamsJSON    string
	MemoryEnabled bool
	MemoryBotID   *string
	AccessType    string
	Published     bool
	ShareKey      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SharedBot is the embeddable projection of a bot with its own credential.
type SharedBot struct {
	ShareKey  string
	BotID     string
	EncAPIKey *string
	CreatedAt time.Time
}

type Profile struct {
	UserID string
	Role   string
}

type SubscriptionLimit struct {
	ID               int64
	BotOrModel       string
	UserRole         string
	UnitsPerPeriod   int64
	LimitType        string
	ResetPeriod      string
	ResetAmount      int
	LifetimeMaxUnits *int64
}

// Owner selects chat_history and user_contexts rows by identity.
type Owner struct {
	UserID       string
	SessionToken string
	ClientID     string
	ShareKey     string
}

type ChatHistory struct {
	ID             string
	BotID          string
	MessagesJSON   string
	Owner          Owner
	SequenceNumber int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deleted        string
	TokensUsed     int64
	MessagesUsed   int64
}

type UsageEvent struct {
	BotID       string
	IdentityKey string
	Messages    int64
	Tokens      int64
	CreatedAt   time.Time
}

type UsageTotals struct {
	Messages int64
	Tokens   int64
	// Oldest is the earliest event in the window, nil when there is none.
	Oldest *time.Time
}

type UserContext struct {
	BotID       string
	IdentityKey string
	Owner       Owner
	Kind        string
	ContextJSON string
	LastUpdated time.Time
}

type AuditEntry struct {
	BotID    string
	Actor    string
	Action   string
	MetaJSON string
}
