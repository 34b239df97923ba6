package bizmcpserver

import (
	"context"
	"errors"
	"strings"

	"github.com/kdjuwidja/aishoppercommon/logger"
	"gorm.io/gorm"
	"netherealmstudio.com/toolbroker/biz/bizerr"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

// ToolDefinition describes a tool as reported by a server's discovery.
type ToolDefinition struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	IsDangerous bool   `json:"is_dangerous"`
}

// RegisterTools records discovered tools for a configured server. Known tools are updated in
// place so their permission rows keep pointing at the same id.
func (s *ServerManager) RegisterTools(ctx context.Context, orgID string, serverID string, definitions []ToolDefinition) ([]dbmodel.Tool, error) {
	for _, def := range definitions {
		if strings.TrimSpace(def.Name) == "" {
			return nil, bizerr.NewValidationError("name", "is required for every tool")
		}
	}

	tx := s.dbConn.WithContext(ctx).Begin()

	server, err := findServer(tx, orgID, serverID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	tools := make([]dbmodel.Tool, 0, len(definitions))
	for _, def := range definitions {
		displayName := def.DisplayName
		if displayName == "" {
			displayName = def.Name
		}

		var tool dbmodel.Tool
		err := tx.Where("configured_server_id = ? AND name = ?", server.ID, def.Name).First(&tool).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			tool = dbmodel.Tool{
				ID:                 dbmodel.NewID(),
				ConfiguredServerID: server.ID,
				Name:               def.Name,
				DisplayName:        displayName,
				Description:        def.Description,
				Category:           def.Category,
				IsDangerous:        def.IsDangerous,
			}
			err = tx.Create(&tool).Error
		case err == nil:
			tool.DisplayName = displayName
			tool.Description = def.Description
			tool.Category = def.Category
			tool.IsDangerous = def.IsDangerous
			err = tx.Model(&dbmodel.Tool{}).Where("id = ?", tool.ID).Updates(map[string]interface{}{
				"display_name": tool.DisplayName,
				"description":  tool.Description,
				"category":     tool.Category,
				"is_dangerous": tool.IsDangerous,
			}).Error
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		tools = append(tools, tool)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	logger.Infof("registered %d tools for server %s in org %s", len(tools), serverID, orgID)
	return tools, nil
}

func (s *ServerManager) ListTools(ctx context.Context, orgID string, serverID string) ([]dbmodel.Tool, error) {
	conn := s.dbConn.WithContext(ctx)
	server, err := findServer(conn, orgID, serverID)
	if err != nil {
		return nil, err
	}

	tools := make([]dbmodel.Tool, 0)
	if err := conn.Where("configured_server_id = ?", server.ID).Order("name").Find(&tools).Error; err != nil {
		return nil, err
	}
	return tools, nil
}

// CatalogTool is a tool known to at least one organization, keyed by catalog server id.
type CatalogTool struct {
	ServerID    string
	Name        string
	DisplayName string
	Description string
	IsDangerous bool
}

// CatalogTools lists every distinct (server, tool) pair across organizations. The first row
// wins when two organizations describe the same tool differently.
func (s *ServerManager) CatalogTools(ctx context.Context) ([]CatalogTool, error) {
	var rows []CatalogTool
	err := s.dbConn.WithContext(ctx).
		Table("tools").
		Select("configured_servers.server_id AS server_id, tools.name AS name, tools.display_name AS display_name, tools.description AS description, tools.is_dangerous AS is_dangerous").
		Joins("INNER JOIN configured_servers ON configured_servers.id = tools.configured_server_id").
		Order("configured_servers.server_id, tools.name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]CatalogTool, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		key := row.ServerID + "/" + row.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, row)
	}
	return result, nil
}
