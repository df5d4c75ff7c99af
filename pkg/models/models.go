package models

import (
	"time"
)

// Permission is the access level a user holds on an app
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// CanWrite reports whether the permission allows modifying the app
func (p Permission) CanWrite() bool {
	return p == PermissionWrite || p == PermissionAdmin
}

// Valid reports whether p is one of the known permission levels
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	}
	return false
}

// Subscription plan types
const (
	PlanFree    = "free"
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"
)

// Subscription statuses
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusPastDue   = "past_due"
	StatusPending   = "pending"
)

// User mirrors the external identity (Supabase auth user)
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Email     string    `json:"email" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// App is a generated project backed by a Freestyle git repository
type App struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	Name      string    `json:"name" gorm:"not null"`
	GitRepo   string    `json:"gitRepo" gorm:"column:git_repo;not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Members []AppUser `json:"-" gorm:"foreignKey:AppID;constraint:OnDelete:CASCADE"`
}

// AppUser links a user to an app with a permission and their sandbox credentials
type AppUser struct {
	AppID       string     `json:"appId" gorm:"primaryKey;type:text"`
	UserID      string     `json:"userId" gorm:"primaryKey;type:text;index"`
	Permissions Permission `json:"permissions" gorm:"type:text;not null"`

	// Stored encrypted; never serialized
	FreestyleAccessToken   string `json:"-" gorm:"not null"`
	FreestyleAccessTokenID string `json:"-" gorm:"column:freestyle_access_token_id;not null"`
	FreestyleIdentity      string `json:"-" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt"`
}

// UserSubscription tracks plan, billing identifiers and message usage for a user
type UserSubscription struct {
	UserID               string     `json:"userId" gorm:"primaryKey;type:text"`
	SubscriptionType     string     `json:"subscriptionType" gorm:"not null;default:'free'"`
	SubscriptionStatus   string     `json:"subscriptionStatus" gorm:"not null;default:'active'"`
	MessageCount         int        `json:"messageCount" gorm:"not null;default:0"`
	StripeCustomerID     string     `json:"stripeCustomerId,omitempty" gorm:"index"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId,omitempty" gorm:"index"`
	SubscriptionStart    *time.Time `json:"subscriptionStartDate,omitempty" gorm:"column:subscription_start_date"`
	SubscriptionEnd      *time.Time `json:"subscriptionEndDate,omitempty" gorm:"column:subscription_end_date"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// IsFree reports whether the subscription is on the free tier
func (s *UserSubscription) IsFree() bool {
	return s == nil || s.SubscriptionType == "" || s.SubscriptionType == PlanFree
}

// UserFreestyleData maps a user to their Freestyle git identity
type UserFreestyleData struct {
	UserID            string    `json:"userId" gorm:"primaryKey;type:text"`
	FreestyleIdentity string    `json:"freestyleIdentity" gorm:"not null"`
	CreatedAt         time.Time `json:"createdAt" gorm:"not null"`
}

// TableName keeps the singular table name used by the SQL migrations
func (UserFreestyleData) TableName() string {
	return "user_freestyle_data"
}

// ChatThread is the agent memory thread for an app. Its ID equals the app ID.
type ChatThread struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text"`
	ResourceID string    `json:"resourceId" gorm:"index;not null"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	Messages []ChatMessage `json:"-" gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

// ChatMessage is a stored turn in an agent thread. Parts holds the JSON-encoded message parts.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"primaryKey;type:text"`
	ThreadID  string    `json:"threadId" gorm:"index;not null"`
	Role      string    `json:"role" gorm:"not null"`
	Parts     string    `json:"parts" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"index"`
}

// Attachment is an uploaded image referenced from chat messages
type Attachment struct {
	ID          string    `json:"id" gorm:"primaryKey;type:text"`
	AppID       string    `json:"appId" gorm:"index;not null"`
	UserID      string    `json:"userId" gorm:"index;not null"`
	Key         string    `json:"key" gorm:"not null"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
}

// All lists every model for AutoMigrate in dependency order
func All() []interface{} {
	return []interface{}{
		&User{},
		&App{},
		&AppUser{},
		&UserSubscription{},
		&UserFreestyleData{},
		&ChatThread{},
		&ChatMessage{},
		&Attachment{},
	}
}
