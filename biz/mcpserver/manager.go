package bizmcpserver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
	"netherealmstudio.com/toolbroker/defaults"
)

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

type ServerManager struct {
	dbConn *gorm.DB
}

func NewServerManager(dbConn *gorm.DB) *ServerManager {
	return &ServerManager{
		dbConn: dbConn,
	}
}

// Add configures a catalog server for the organization. New servers start enabled without
// credentials.
func (s *ServerManager) Add(ctx context.Context, orgID string, serverID string, displayName string, addedBy string) (*dbmodel.ConfiguredServer, error) {
	if !serverIDPattern.MatchString(serverID) {
		return nil, bizerr.NewValidationError("server_id", "must be a lowercase catalog identifier")
	}
	if displayName == "" {
		displayName = serverID
	}

	var count int64
	err := s.dbConn.WithContext(ctx).Model(&dbmodel.ConfiguredServer{}).Where("org_id = ? AND server_id = ?", orgID, serverID).Count(&count).Error
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, bizerr.NewValidationError("server_id", "is already configured")
	}

	server := dbmodel.ConfiguredServer{
		ID:          dbmodel.NewID(),
		OrgID:       orgID,
		ServerID:    serverID,
		DisplayName: displayName,
		IsEnabled:   true,
		AddedBy:     addedBy,
	}
	if err := s.dbConn.WithContext(ctx).Create(&server).Error; err != nil {
		return nil, err
	}

	logger.Infof("server %s added to org %s by %s", serverID, orgID, addedBy)
	return &server, nil
}

func (s *ServerManager) List(ctx context.Context, orgID string) ([]dbmodel.ConfiguredServer, error) {
	servers := make([]dbmodel.ConfiguredServer, 0)
	err := s.dbConn.WithContext(ctx).Where("org_id = ?", orgID).Order("server_id").Find(&servers).Error
	if err != nil {
		return nil, err
	}
	return servers, nil
}

func (s *ServerManager) Get(ctx context.Context, orgID string, serverID string) (*dbmodel.ConfiguredServer, error) {
	return findServer(s.dbConn.WithContext(ctx), orgID, serverID)
}

func (s *ServerManager) SetEnabled(ctx context.Context, orgID string, serverID string, enabled bool) error {
	conn := s.dbConn.WithContext(ctx)
	server, err := findServer(conn, orgID, serverID)
	if err != nil {
		return err
	}

	err = conn.Model(&dbmodel.ConfiguredServer{}).Where("id = ?", server.ID).Update("is_enabled", enabled).Error
	if err != nil {
		return err
	}
	logger.Infof("server %s in org %s set enabled=%t", serverID, orgID, enabled)
	return nil
}

// Delete removes the server together with its provider configuration, tool flags, user
// overrides and user grants in a single transaction. Tool rows belong to discovery and stay.
func (s *ServerManager) Delete(ctx context.Context, orgID string, serverID string) error {
	tx := s.dbConn.WithContext(ctx).Begin()

	var server dbmodel.ConfiguredServer
	err := dbmodel.ForUpdate(tx).Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
	}
	if err != nil {
		tx.Rollback()
		return err
	}

	var toolIDs []string
	if err := tx.Model(&dbmodel.Tool{}).Where("configured_server_id = ?", server.ID).Pluck("id", &toolIDs).Error; err != nil {
		tx.Rollback()
		return err
	}

	if len(toolIDs) > 0 {
		if err := tx.Where("tool_id IN ?", toolIDs).Delete(&dbmodel.OrgToolPermission{}).Error; err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Where("tool_id IN ?", toolIDs).Delete(&dbmodel.UserToolOverride{}).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Where("configured_server_id = ?", server.ID).Delete(&dbmodel.OAuthProviderConfig{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	grants := tx.Where("configured_server_id = ?", server.ID).Delete(&dbmodel.UserServerGrant{})
	if grants.Error != nil {
		tx.Rollback()
		return grants.Error
	}

	if err := tx.Delete(&dbmodel.ConfiguredServer{}, "id = ?", server.ID).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	logger.Infof("server %s removed from org %s, %d user grants dropped", serverID, orgID, grants.RowsAffected)
	return nil
}

// SeedCatalog adds every known catalog server that the organization does not have yet. Used to
// prepare local development environments.
func (s *ServerManager) SeedCatalog(ctx context.Context, orgID string, addedBy string) error {
	serverIDs := make([]string, 0, len(defaults.DEFAULT_SERVER_PROVIDERS))
	for serverID := range defaults.DEFAULT_SERVER_PROVIDERS {
		serverIDs = append(serverIDs, serverID)
	}
	sort.Strings(serverIDs)

	for _, serverID := range serverIDs {
		_, err := findServer(s.dbConn.WithContext(ctx), orgID, serverID)
		if err == nil {
			continue
		}
		if !errors.Is(err, bizerr.ErrServerNotConfigured) {
			return err
		}

		if _, err := s.Add(ctx, orgID, serverID, "", addedBy); err != nil {
			return fmt.Errorf("error seeding server %s: %w", serverID, err)
		}
	}
	return nil
}

func findServer(conn *gorm.DB, orgID string, serverID string) (*dbmodel.ConfiguredServer, error) {
	var server dbmodel.ConfiguredServer
	err := conn.Where("org_id = ? AND server_id = ?", orgID, serverID).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", bizerr.ErrServerNotConfigured, serverID)
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}
