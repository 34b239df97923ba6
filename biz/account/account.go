package bizaccount

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const (
	TemporaryPasswordTTL = 24 * time.Hour
	ResetTokenTTL        = time.Hour

	minPasswordLength = 8
	maxPasswordLength = 72
)

// Compared against when the email is unknown so a miss costs the same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("toolbroker-dummy-password"), bcrypt.DefaultCost)

type CreateUserInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// TemporaryCredential is returned once from the operation that created it.
type TemporaryCredential struct {
	UserID            string    `json:"user_id"`
	Email             string    `json:"email"`
	TemporaryPassword string    `json:"temporary_password"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type AuthResult struct {
	User               *dbmodel.User
	MustChangePassword bool
}

type AccountManager struct {
	dbConn   *gorm.DB
	notifier ResetNotifier
	now      func() time.Time
}

func NewAccountManager(dbConn *gorm.DB, notifier ResetNotifier) *AccountManager {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &AccountManager{
		dbConn:   dbConn,
		notifier: notifier,
		now:      time.Now,
	}
}

// CreateUser creates an admin-provisioned account holding a temporary password that must be
// changed within TemporaryPasswordTTL.
func (a *AccountManager) CreateUser(ctx context.Context, orgID string, input CreateUserInput) (*TemporaryCredential, error) {
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = dbmodel.RoleUser
	}
	if role != dbmodel.RoleUser && role != dbmodel.RoleAdmin {
		return nil, bizerr.NewValidationError("role", "must be admin or user")
	}

	password, hash, err := newTemporaryPassword()
	if err != nil {
		return nil, err
	}

	expiresAt := a.now().Add(TemporaryPasswordTTL)
	user := dbmodel.User{
		ID:                 dbmodel.NewID(),
		OrgID:              orgID,
		Email:              email,
		Name:               strings.TrimSpace(input.Name),
		Role:               role,
		PasswordHash:       &hash,
		AuthProvider:       dbmodel.AuthProviderAdmin,
		PasswordExpiresAt:  &expiresAt,
		MustChangePassword: true,
		IsActive:           true,
	}

	tx := a.dbConn.WithContext(ctx).Begin()

	var count int64
	if err := tx.Model(&dbmodel.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if count > 0 {
		tx.Rollback()
		return nil, bizerr.ErrEmailTaken
	}

	if err := tx.Create(&user).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.Infof("created user %s with role %s in org %s", user.ID, role, orgID)
	return &TemporaryCredential{
		UserID:            user.ID,
		Email:             email,
		TemporaryPassword: password,
		ExpiresAt:         expiresAt,
	}, nil
}

// Authenticate checks an email and password. A successful result may still require a password
// change before the account can be used.
func (a *AccountManager) Authenticate(ctx context.Context, email string, password string) (*AuthResult, error) {
	conn := a.dbConn.WithContext(ctx)

	var user dbmodel.User
	err := conn.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, bizerr.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if user.PasswordHash == nil {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, bizerr.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(password)); err != nil {
		logger.Debugf("invalid password for user %s", user.ID)
		return nil, bizerr.ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, bizerr.ErrAccountDisabled
	}
	if a.temporaryPasswordExpired(&user) {
		return nil, bizerr.ErrPasswordExpired
	}

	now := a.now()
	if err := conn.Model(&dbmodel.User{}).Where("id = ?", user.ID).Update("last_login_at", now).Error; err != nil {
		logger.Errorf("failed to record login for user %s: %v", user.ID, err)
	}
	user.LastLoginAt = &now

	return &AuthResult{
		User:               &user,
		MustChangePassword: user.MustChangePassword,
	}, nil
}

// EnsureUsable rejects accounts that may not make protected calls yet.
func (a *AccountManager) EnsureUsable(user *dbmodel.User) error {
	if !user.IsActive {
		return bizerr.ErrAccountDisabled
	}
	if a.temporaryPasswordExpired(user) {
		return bizerr.ErrPasswordExpired
	}
	if user.MustChangePassword {
		return bizerr.ErrPasswordChangeRequired
	}
	return nil
}

func (a *AccountManager) GetUser(ctx context.Context, userID string) (*dbmodel.User, error) {
	var user dbmodel.User
	err := a.dbConn.WithContext(ctx).Where("id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", bizerr.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *AccountManager) ChangePassword(ctx context.Context, userID string, oldPassword string, newPassword string) error {
	if err := validateNewPassword(newPassword); err != nil {
		return err
	}
	if newPassword == oldPassword {
		return bizerr.NewValidationError("new_password", "must differ from the current password")
	}

	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash == nil {
		return bizerr.NewValidationError("old_password", "account has no password to change")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(oldPassword)); err != nil {
		logger.Infof("failed password change for user %s: incorrect current password", userID)
		return bizerr.ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		logger.Errorf("failed to generate hashed password: %v", err)
		return err
	}

	tx := a.dbConn.WithContext(ctx).Begin()
	err = tx.Model(&dbmodel.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"password_hash":        string(hash),
		"must_change_password": false,
		"password_expires_at":  nil,
	}).Error
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := dbmodel.RevokeRefreshTokens(tx, userID, a.now()); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return err
	}

	logger.Infof("password changed for user %s", userID)
	return nil
}

// RequestPasswordReset never reports whether the email exists. Failures after the lookup are
// logged and swallowed.
func (a *AccountManager) RequestPasswordReset(ctx context.Context, email string) error {
	var user dbmodel.User
	err := a.dbConn.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&user).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Errorf("password reset lookup failed: %v", err)
		}
		return nil
	}
	if !user.IsActive || user.PasswordHash == nil {
		logger.Debugf("password reset skipped for user %s", user.ID)
		return nil
	}

	token, err := generateResetToken()
	if err != nil {
		logger.Errorf("failed to generate reset token: %v", err)
		return nil
	}

	expiresAt := a.now().Add(ResetTokenTTL)
	err = a.dbConn.WithContext(ctx).Model(&dbmodel.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"reset_token_hash":       hashResetToken(token),
		"reset_token_expires_at": expiresAt,
	}).Error
	if err != nil {
		logger.Errorf("failed to store reset token for user %s: %v", user.ID, err)
		return nil
	}

	if err := a.notifier.SendPasswordReset(ctx, user.Email, token, expiresAt); err != nil {
		logger.Errorf("failed to deliver reset token for user %s: %v", user.ID, err)
	}
	return nil
}

// ResetPassword consumes a reset token and sets the new password in the same transaction.
func (a *AccountManager) ResetPassword(ctx context.Context, token string, newPassword string) error {
	if token == "" {
		return bizerr.ErrInvalidResetToken
	}
	if err := validateNewPassword(newPassword); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		logger.Errorf("failed to generate hashed password: %v", err)
		return err
	}

	tokenHash := hashResetToken(token)
	tx := a.dbConn.WithContext(ctx).Begin()

	var user dbmodel.User
	err = dbmodel.ForUpdate(tx).Where("reset_token_hash = ?", tokenHash).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return bizerr.ErrInvalidResetToken
	}
	if err != nil {
		tx.Rollback()
		return err
	}
	if user.ResetTokenExpiresAt == nil || !a.now().Before(*user.ResetTokenExpiresAt) {
		tx.Rollback()
		return bizerr.ErrInvalidResetToken
	}

	// The token hash in the WHERE clause makes the consume single use.
	result := tx.Model(&dbmodel.User{}).Where("id = ? AND reset_token_hash = ?", user.ID, tokenHash).Updates(map[string]interface{}{
		"password_hash":          string(hash),
		"must_change_password":   false,
		"password_expires_at":    nil,
		"reset_token_hash":       nil,
		"reset_token_expires_at": nil,
	})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return bizerr.ErrInvalidResetToken
	}
	if _, err := dbmodel.RevokeRefreshTokens(tx, user.ID, a.now()); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	logger.Infof("password reset for user %s", user.ID)
	return nil
}

// ResetTemporaryPassword issues a fresh temporary password for an admin-provisioned account.
func (a *AccountManager) ResetTemporaryPassword(ctx context.Context, orgID string, userID string) (*TemporaryCredential, error) {
	user, err := a.userInOrg(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if user.AuthProvider != dbmodel.AuthProviderAdmin {
		return nil, bizerr.NewValidationError("user_id", "account signs in through "+user.AuthProvider)
	}

	password, hash, err := newTemporaryPassword()
	if err != nil {
		return nil, err
	}

	now := a.now()
	expiresAt := now.Add(TemporaryPasswordTTL)
	tx := a.dbConn.WithContext(ctx).Begin()
	err = tx.Model(&dbmodel.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"password_hash":          hash,
		"must_change_password":   true,
		"password_expires_at":    expiresAt,
		"reset_token_hash":       nil,
		"reset_token_expires_at": nil,
	}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if _, err := dbmodel.RevokeRefreshTokens(tx, user.ID, now); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.Infof("temporary password reissued for user %s", user.ID)
	return &TemporaryCredential{
		UserID:            user.ID,
		Email:             user.Email,
		TemporaryPassword: password,
		ExpiresAt:         expiresAt,
	}, nil
}

func (a *AccountManager) SetActive(ctx context.Context, orgID string, userID string, active bool) error {
	user, err := a.userInOrg(ctx, orgID, userID)
	if err != nil {
		return err
	}
	conn := a.dbConn.WithContext(ctx)
	if err := conn.Model(&dbmodel.User{}).Where("id = ?", user.ID).Update("is_active", active).Error; err != nil {
		return err
	}
	if !active {
		if _, err := dbmodel.RevokeRefreshTokens(conn, user.ID, a.now()); err != nil {
			return err
		}
	}
	logger.Infof("user %s set active=%t", user.ID, active)
	return nil
}

func (a *AccountManager) SetRole(ctx context.Context, orgID string, userID string, role string) error {
	if role != dbmodel.RoleUser && role != dbmodel.RoleAdmin {
		return bizerr.NewValidationError("role", "must be admin or user")
	}
	user, err := a.userInOrg(ctx, orgID, userID)
	if err != nil {
		return err
	}
	return a.dbConn.WithContext(ctx).Model(&dbmodel.User{}).Where("id = ?", user.ID).Update("role", role).Error
}

func (a *AccountManager) List(ctx context.Context, orgID string) ([]dbmodel.User, error) {
	users := make([]dbmodel.User, 0)
	if err := a.dbConn.WithContext(ctx).Where("org_id = ?", orgID).Order("email").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// PurgeExpired drops reset tokens past their expiry. Expired temporary passwords stay so a
// login keeps reporting ErrPasswordExpired.
func (a *AccountManager) PurgeExpired(ctx context.Context) (int64, error) {
	result := a.dbConn.WithContext(ctx).Model(&dbmodel.User{}).
		Where("reset_token_expires_at IS NOT NULL AND reset_token_expires_at < ?", a.now()).
		Updates(map[string]interface{}{
			"reset_token_hash":       nil,
			"reset_token_expires_at": nil,
		})
	return result.RowsAffected, result.Error
}

// BootstrapAdmin creates the organization and its first administrator. It refuses to run once
// any administrator exists.
func (a *AccountManager) BootstrapAdmin(ctx context.Context, orgName string, email string) (*TemporaryCredential, error) {
	var admins int64
	if err := a.dbConn.WithContext(ctx).Model(&dbmodel.User{}).Where("role = ?", dbmodel.RoleAdmin).Count(&admins).Error; err != nil {
		return nil, err
	}
	if admins > 0 {
		return nil, errors.New("an administrator already exists")
	}

	var org dbmodel.Organization
	err := a.dbConn.WithContext(ctx).Order("created_at").First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		org = dbmodel.Organization{ID: dbmodel.NewID(), Name: orgName}
		if err := a.dbConn.WithContext(ctx).Create(&org).Error; err != nil {
			return nil, err
		}
		logger.Infof("created organization %s", orgName)
	} else if err != nil {
		return nil, err
	}

	return a.CreateUser(ctx, org.ID, CreateUserInput{Email: email, Name: "Administrator", Role: dbmodel.RoleAdmin})
}

func (a *AccountManager) temporaryPasswordExpired(user *dbmodel.User) bool {
	return user.MustChangePassword && user.PasswordExpiresAt != nil && !a.now().Before(*user.PasswordExpiresAt)
}

func (a *AccountManager) userInOrg(ctx context.Context, orgID string, userID string) (*dbmodel.User, error) {
	user, err := a.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.OrgID != orgID {
		return nil, fmt.Errorf("%w: user %s", bizerr.ErrNotFound, userID)
	}
	return user, nil
}

func newTemporaryPassword() (string, string, error) {
	password, err := generateTemporaryPassword()
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Errorf("failed to generate hashed password: %v", err)
		return "", "", err
	}
	return password, string(hash), nil
}

func validateNewPassword(password string) error {
	if len(password) < minPasswordLength {
		return bizerr.NewValidationError("new_password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return bizerr.NewValidationError("new_password", fmt.Sprintf("must not exceed %d bytes", maxPasswordLength))
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", bizerr.NewValidationError("email", "must be a valid address")
	}
	return email, nil
}
