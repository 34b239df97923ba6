package db

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	AuthProviderAdmin = "admin"
)

type Organization struct {
	ID        string    `json:"id" gorm:"type:varchar(32);primaryKey"`
	Name      string    `json:"name" gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID                  string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	OrgID               string     `json:"org_id" gorm:"type:varchar(32);not null;index"`
	Email               string     `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Name                string     `json:"name" gorm:"type:varchar(255)"`
	Role                string     `json:"role" gorm:"type:varchar(16);not null"`
	PasswordHash        *string    `json:"-" gorm:"type:varchar(255)"`
	AuthProvider        string     `json:"auth_provider" gorm:"type:varchar(64);not null"`
	PasswordExpiresAt   *time.Time `json:"password_expires_at"`
	MustChangePassword  bool       `json:"must_change_password" gorm:"not null"`
	IsActive            bool       `json:"is_active" gorm:"not null"`
	ResetTokenHash      *string    `json:"-" gorm:"type:varchar(64);index"`
	ResetTokenExpiresAt *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// ConfiguredServer is a catalog server an admin added to the organization.
type ConfiguredServer struct {
	ID             string    `json:"id" gorm:"type:varchar(32);primaryKey"`
	OrgID          string    `json:"org_id" gorm:"type:varchar(32);not null;uniqueIndex:idx_org_server"`
	ServerID       string    `json:"server_id" gorm:"type:varchar(128);not null;uniqueIndex:idx_org_server"`
	DisplayName    string    `json:"display_name" gorm:"type:varchar(255)"`
	IsEnabled      bool      `json:"is_enabled" gorm:"not null"`
	HasCredentials bool      `json:"has_credentials" gorm:"not null"`
	AddedBy        string    `json:"added_by" gorm:"type:varchar(32)"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ConfigEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// OAuthProviderConfig stores an organization supplied OAuth client. ClientSecret holds vault
// ciphertext only.
type OAuthProviderConfig struct {
	ID                 string                           `json:"id" gorm:"type:varchar(32);primaryKey"`
	ConfiguredServerID string                           `json:"configured_server_id" gorm:"type:varchar(32);not null;uniqueIndex"`
	ProviderName       string                           `json:"provider_name" gorm:"type:varchar(64);not null"`
	ClientID           string                           `json:"client_id" gorm:"type:varchar(255);not null"`
	ClientSecret       string                           `json:"-" gorm:"type:text;not null"`
	ClientSecretHint   string                           `json:"client_secret_hint" gorm:"type:varchar(16)"`
	SecretUpdatedAt    time.Time                        `json:"secret_updated_at"`
	RedirectURI        string                           `json:"redirect_uri" gorm:"type:varchar(1024);not null"`
	AuthURL            string                           `json:"auth_url" gorm:"type:varchar(1024);not null"`
	TokenURL           string                           `json:"token_url" gorm:"type:varchar(1024);not null"`
	Scopes             datatypes.JSONSlice[string]      `json:"scopes"`
	AdditionalConfig   datatypes.JSONSlice[ConfigEntry] `json:"additional_config"`
	CreatedAt          time.Time                        `json:"created_at"`
	UpdatedAt          time.Time                        `json:"updated_at"`
}

func (OAuthProviderConfig) TableName() string {
	return "oauth_provider_configs"
}

// UserServerGrant records a user's OAuth authorization against a configured server. Token
// columns hold vault ciphertext. Version guards every write.
type UserServerGrant struct {
	ID                 string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	UserID             string     `json:"user_id" gorm:"type:varchar(32);not null;uniqueIndex:idx_user_server"`
	ConfiguredServerID string     `json:"configured_server_id" gorm:"type:varchar(32);not null;uniqueIndex:idx_user_server;index"`
	IsAuthorized       bool       `json:"is_authorized" gorm:"not null"`
	AccessToken        *string    `json:"-" gorm:"type:text"`
	RefreshToken       *string    `json:"-" gorm:"type:text"`
	TokenType          string     `json:"token_type" gorm:"type:varchar(32)"`
	ExpiresAt          *time.Time `json:"expires_at"`
	AuthorizedAt       *time.Time `json:"authorized_at"`
	DisconnectedAt     *time.Time `json:"disconnected_at"`
	Version            int64      `json:"version" gorm:"not null"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Tool rows are written by tool discovery and only read here.
type Tool struct {
	ID                 string `json:"id" gorm:"type:varchar(32);primaryKey"`
	ConfiguredServerID string `json:"configured_server_id" gorm:"type:varchar(32);not null;uniqueIndex:idx_server_tool"`
	Name               string `json:"name" gorm:"type:varchar(255);not null;uniqueIndex:idx_server_tool"`
	DisplayName        string `json:"display_name" gorm:"type:varchar(255)"`
	Description        string `json:"description" gorm:"type:text"`
	Category           string `json:"category" gorm:"type:varchar(128)"`
	IsDangerous        bool   `json:"is_dangerous" gorm:"not null"`
}

type OrgToolPermission struct {
	ToolID     string    `json:"tool_id" gorm:"type:varchar(32);primaryKey"`
	OrgEnabled bool      `json:"org_enabled" gorm:"not null"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type UserToolOverride struct {
	UserID    string    `json:"user_id" gorm:"type:varchar(32);primaryKey"`
	ToolID    string    `json:"tool_id" gorm:"type:varchar(32);primaryKey;index"`
	Enabled   bool      `json:"enabled" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MCPAccessToken struct {
	ID          string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	UserID      string     `json:"user_id" gorm:"type:varchar(32);not null;index"`
	TokenHash   string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	TokenPrefix string     `json:"token_prefix" gorm:"type:varchar(32);not null"`
	TokenName   string     `json:"token_name" gorm:"type:varchar(255)"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at"`
}

func (MCPAccessToken) TableName() string {
	return "mcp_access_tokens"
}

// SessionRefreshToken lets a web session be renewed without the password. Only the hash is
// stored.
type SessionRefreshToken struct {
	ID         string     `json:"id" gorm:"type:varchar(32);primaryKey"`
	UserID     string     `json:"user_id" gorm:"type:varchar(32);not null;index"`
	TokenHash  string     `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at" gorm:"not null;index"`
	LastUsedAt *time.Time `json:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

func (SessionRefreshToken) TableName() string {
	return "session_refresh_tokens"
}

// RevokeRefreshTokens ends every refreshable web session of the user.
func RevokeRefreshTokens(conn *gorm.DB, userID string, now time.Time) (int64, error) {
	result := conn.Model(&SessionRefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now)
	return result.RowsAffected, result.Error
}

func Models() []interface{} {
	return []interface{}{
		&Organization{},
		&User{},
		&ConfiguredServer{},
		&OAuthProviderConfig{},
		&UserServerGrant{},
		&Tool{},
		&OrgToolPermission{},
		&UserToolOverride{},
		&MCPAccessToken{},
		&SessionRefreshToken{},
	}
}
