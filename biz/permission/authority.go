package bizpermission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

const uncategorized = "general"

// Decision exposes every input of an access decision so it can be audited.
type Decision struct {
	ToolID          string   `json:"tool_id"`
	ServerAvailable bool     `json:"server_available"`
	OrgEnabled      bool     `json:"org_enabled"`
	Override        Override `json:"override"`
	Effective       bool     `json:"effective"`
}

type ToolFlag struct {
	ToolID  string `json:"tool_id"`
	Enabled bool   `json:"enabled"`
}

type ToolPermission struct {
	ToolID      string   `json:"tool_id"`
	ServerID    string   `json:"server_id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
	IsDangerous bool     `json:"is_dangerous"`
	OrgEnabled  bool     `json:"org_enabled"`
	Override    Override `json:"override"`
	Effective   bool     `json:"effective"`
}

type CategoryPermissions struct {
	Category string           `json:"category"`
	Tools    []ToolPermission `json:"tools"`
}

// PermissionAuthority resolves effective tool access from organization flags and user
// overrides. Nothing is materialized: every answer is computed on read.
type PermissionAuthority struct {
	dbConn *gorm.DB
}

func NewPermissionAuthority(dbConn *gorm.DB) *PermissionAuthority {
	return &PermissionAuthority{
		dbConn: dbConn,
	}
}

func (p *PermissionAuthority) EffectiveAccess(ctx context.Context, orgID string, userID string, toolID string) (bool, error) {
	decision, err := p.Decide(ctx, orgID, userID, toolID)
	if err != nil {
		return false, err
	}
	return decision.Effective, nil
}

func (p *PermissionAuthority) Decide(ctx context.Context, orgID string, userID string, toolID string) (*Decision, error) {
	conn := p.dbConn.WithContext(ctx)

	var tool dbmodel.Tool
	err := conn.Where("id = ?", toolID).First(&tool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: tool %s", bizerr.ErrNotFound, toolID)
	}
	if err != nil {
		return nil, err
	}

	decision := &Decision{ToolID: toolID}

	var server dbmodel.ConfiguredServer
	err = conn.Where("id = ?", tool.ConfiguredServerID).First(&server).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// server removed, its tools stay until discovery drops them
	case err != nil:
		return nil, err
	case server.OrgID != orgID:
		return nil, fmt.Errorf("%w: tool %s", bizerr.ErrNotFound, toolID)
	default:
		decision.ServerAvailable = server.IsEnabled
	}

	decision.OrgEnabled, err = orgEnabled(conn, toolID)
	if err != nil {
		return nil, err
	}

	decision.Override, err = userOverride(conn, userID, toolID)
	if err != nil {
		return nil, err
	}

	decision.Effective = decision.ServerAvailable && decision.Override.Effective(decision.OrgEnabled)
	return decision, nil
}

// Authorize looks up a tool by name and fails with ErrPermissionDenied unless the user may call
// it.
func (p *PermissionAuthority) Authorize(ctx context.Context, orgID string, userID string, serverID string, toolName string) (*dbmodel.Tool, error) {
	conn := p.dbConn.WithContext(ctx)

	var tool dbmodel.Tool
	err := conn.Joins("INNER JOIN configured_servers ON configured_servers.id = tools.configured_server_id").
		Where("configured_servers.org_id = ? AND configured_servers.server_id = ? AND tools.name = ?", orgID, serverID, toolName).
		First(&tool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Debugf("tool %s/%s not found for org %s", serverID, toolName, orgID)
		return nil, fmt.Errorf("%w: %s/%s", bizerr.ErrPermissionDenied, serverID, toolName)
	}
	if err != nil {
		return nil, err
	}

	decision, err := p.Decide(ctx, orgID, userID, tool.ID)
	if err != nil {
		return nil, err
	}
	if !decision.Effective {
		logger.Infof("user %s denied tool %s/%s, org_enabled: %t, override: %s, server_available: %t", userID, serverID, toolName, decision.OrgEnabled, decision.Override, decision.ServerAvailable)
		return nil, fmt.Errorf("%w: %s/%s", bizerr.ErrPermissionDenied, serverID, toolName)
	}
	return &tool, nil
}

func (p *PermissionAuthority) SetOrgEnabled(ctx context.Context, orgID string, toolID string, enabled bool) error {
	conn := p.dbConn.WithContext(ctx)
	if _, err := toolInOrg(conn, orgID, toolID); err != nil {
		return err
	}
	if err := upsertOrgFlag(conn, toolID, enabled); err != nil {
		return err
	}
	logger.Infof("org %s set tool %s enabled=%t", orgID, toolID, enabled)
	return nil
}

// BulkSetEnabled applies every flag or none of them.
func (p *PermissionAuthority) BulkSetEnabled(ctx context.Context, orgID string, serverID string, flags []ToolFlag) error {
	if len(flags) == 0 {
		return nil
	}

	tx := p.dbConn.WithContext(ctx).Begin()

	var server dbmodel.ConfiguredServer
	err := tx.Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
	}
	if err != nil {
		tx.Rollback()
		return err
	}

	ids := make([]string, 0, len(flags))
	for _, flag := range flags {
		ids = append(ids, flag.ToolID)
	}

	var tools []dbmodel.Tool
	if err := tx.Where("configured_server_id = ? AND id IN ?", server.ID, ids).Find(&tools).Error; err != nil {
		tx.Rollback()
		return err
	}
	owned := make(map[string]bool, len(tools))
	for _, tool := range tools {
		owned[tool.ID] = true
	}

	for _, flag := range flags {
		if !owned[flag.ToolID] {
			tx.Rollback()
			return bizerr.NewValidationError("tool_id", fmt.Sprintf("%s does not belong to server %s", flag.ToolID, serverID))
		}
		if err := upsertOrgFlag(tx, flag.ToolID, flag.Enabled); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}
	logger.Infof("org %s updated %d tool flags on server %s", orgID, len(flags), serverID)
	return nil
}

func (p *PermissionAuthority) SetUserOverride(ctx context.Context, orgID string, userID string, toolID string, enabled bool) error {
	conn := p.dbConn.WithContext(ctx)
	if err := userInOrg(conn, orgID, userID); err != nil {
		return err
	}
	if _, err := toolInOrg(conn, orgID, toolID); err != nil {
		return err
	}

	override := dbmodel.UserToolOverride{
		UserID:    userID,
		ToolID:    toolID,
		Enabled:   enabled,
		UpdatedAt: time.Now(),
	}
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "tool_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(&override).Error
}

// ClearUserOverride reverts the user to the organization flag. Clearing a missing override is
// not an error.
func (p *PermissionAuthority) ClearUserOverride(ctx context.Context, orgID string, userID string, toolID string) error {
	conn := p.dbConn.WithContext(ctx)
	if err := userInOrg(conn, orgID, userID); err != nil {
		return err
	}
	return conn.Where("user_id = ? AND tool_id = ?", userID, toolID).Delete(&dbmodel.UserToolOverride{}).Error
}

func (p *PermissionAuthority) ClearAllUserOverrides(ctx context.Context, orgID string, userID string) error {
	conn := p.dbConn.WithContext(ctx)
	if err := userInOrg(conn, orgID, userID); err != nil {
		return err
	}
	result := conn.Where("user_id = ?", userID).Delete(&dbmodel.UserToolOverride{})
	if result.Error != nil {
		return result.Error
	}
	logger.Infof("cleared %d tool overrides for user %s", result.RowsAffected, userID)
	return nil
}

// UserPermissions reports every tool of the organization grouped by category.
func (p *PermissionAuthority) UserPermissions(ctx context.Context, orgID string, userID string) ([]CategoryPermissions, error) {
	conn := p.dbConn.WithContext(ctx)

	var servers []dbmodel.ConfiguredServer
	if err := conn.Where("org_id = ?", orgID).Find(&servers).Error; err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return []CategoryPermissions{}, nil
	}

	serverByID := make(map[string]*dbmodel.ConfiguredServer, len(servers))
	serverIDs := make([]string, 0, len(servers))
	for i := range servers {
		serverByID[servers[i].ID] = &servers[i]
		serverIDs = append(serverIDs, servers[i].ID)
	}

	var tools []dbmodel.Tool
	if err := conn.Where("configured_server_id IN ?", serverIDs).Order("name").Find(&tools).Error; err != nil {
		return nil, err
	}
	if len(tools) == 0 {
		return []CategoryPermissions{}, nil
	}

	toolIDs := make([]string, 0, len(tools))
	for _, tool := range tools {
		toolIDs = append(toolIDs, tool.ID)
	}

	var flags []dbmodel.OrgToolPermission
	if err := conn.Where("tool_id IN ?", toolIDs).Find(&flags).Error; err != nil {
		return nil, err
	}
	orgFlags := make(map[string]bool, len(flags))
	for _, flag := range flags {
		orgFlags[flag.ToolID] = flag.OrgEnabled
	}

	var overrides []dbmodel.UserToolOverride
	if err := conn.Where("user_id = ? AND tool_id IN ?", userID, toolIDs).Find(&overrides).Error; err != nil {
		return nil, err
	}
	userOverrides := make(map[string]Override, len(overrides))
	for _, override := range overrides {
		userOverrides[override.ToolID] = OverrideOf(override.Enabled)
	}

	grouped := make(map[string][]ToolPermission)
	for _, tool := range tools {
		server := serverByID[tool.ConfiguredServerID]
		enabled, ok := orgFlags[tool.ID]
		if !ok {
			enabled = true
		}
		override := userOverrides[tool.ID]

		category := tool.Category
		if category == "" {
			category = uncategorized
		}
		grouped[category] = append(grouped[category], ToolPermission{
			ToolID:      tool.ID,
			ServerID:    server.ServerID,
			Name:        tool.Name,
			DisplayName: tool.DisplayName,
			Description: tool.Description,
			IsDangerous: tool.IsDangerous,
			OrgEnabled:  enabled,
			Override:    override,
			Effective:   server.IsEnabled && override.Effective(enabled),
		})
	}

	categories := make([]string, 0, len(grouped))
	for category := range grouped {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	result := make([]CategoryPermissions, 0, len(categories))
	for _, category := range categories {
		result = append(result, CategoryPermissions{Category: category, Tools: grouped[category]})
	}
	return result, nil
}

// EnabledTools flattens UserPermissions to the tools the user may call.
func (p *PermissionAuthority) EnabledTools(ctx context.Context, orgID string, userID string) ([]ToolPermission, error) {
	categories, err := p.UserPermissions(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}

	tools := make([]ToolPermission, 0)
	for _, category := range categories {
		for _, tool := range category.Tools {
			if tool.Effective {
				tools = append(tools, tool)
			}
		}
	}
	return tools, nil
}

func orgEnabled(conn *gorm.DB, toolID string) (bool, error) {
	var flag dbmodel.OrgToolPermission
	err := conn.Where("tool_id = ?", toolID).First(&flag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return flag.OrgEnabled, nil
}

func userOverride(conn *gorm.DB, userID string, toolID string) (Override, error) {
	var override dbmodel.UserToolOverride
	err := conn.Where("user_id = ? AND tool_id = ?", userID, toolID).First(&override).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Inherit, nil
	}
	if err != nil {
		return Inherit, err
	}
	return OverrideOf(override.Enabled), nil
}

func upsertOrgFlag(conn *gorm.DB, toolID string, enabled bool) error {
	flag := dbmodel.OrgToolPermission{
		ToolID:     toolID,
		OrgEnabled: enabled,
		UpdatedAt:  time.Now(),
	}
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tool_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"org_enabled", "updated_at"}),
	}).Create(&flag).Error
}

func toolInOrg(conn *gorm.DB, orgID string, toolID string) (*dbmodel.Tool, error) {
	var tool dbmodel.Tool
	err := conn.Joins("INNER JOIN configured_servers ON configured_servers.id = tools.configured_server_id").
		Where("configured_servers.org_id = ? AND tools.id = ?", orgID, toolID).
		First(&tool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: tool %s", bizerr.ErrNotFound, toolID)
	}
	if err != nil {
		return nil, err
	}
	return &tool, nil
}

func userInOrg(conn *gorm.DB, orgID string, userID string) error {
	var count int64
	if err := conn.Model(&dbmodel.User{}).Where("id = ? AND org_id = ?", userID, orgID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: user %s", bizerr.ErrNotFound, userID)
	}
	return nil
}
