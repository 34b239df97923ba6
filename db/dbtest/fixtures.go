package dbtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	dbmodel "netherealmstudio.com/toolbroker/db"
)

func SeedOrg(t *testing.T, gormDB *gorm.DB) *dbmodel.Organization {
	t.Helper()
	org := &dbmodel.Organization{ID: dbmodel.NewID(), Name: "Acme"}
	require.NoError(t, gormDB.Create(org).Error)
	return org
}

func SeedUser(t *testing.T, gormDB *gorm.DB, orgID string, email string, role string) *dbmodel.User {
	t.Helper()
	user := &dbmodel.User{
		ID:           dbmodel.NewID(),
		OrgID:        orgID,
		Email:        email,
		Name:         email,
		Role:         role,
		AuthProvider: dbmodel.AuthProviderAdmin,
		IsActive:     true,
	}
	require.NoError(t, gormDB.Create(user).Error)
	return user
}

func SeedServer(t *testing.T, gormDB *gorm.DB, orgID string, serverID string) *dbmodel.ConfiguredServer {
	t.Helper()
	server := &dbmodel.ConfiguredServer{
		ID:          dbmodel.NewID(),
		OrgID:       orgID,
		ServerID:    serverID,
		DisplayName: serverID,
		IsEnabled:   true,
	}
	require.NoError(t, gormDB.Create(server).Error)
	return server
}

func SeedTool(t *testing.T, gormDB *gorm.DB, configuredServerID string, name string, category string) *dbmodel.Tool {
	t.Helper()
	tool := &dbmodel.Tool{
		ID:                 dbmodel.NewID(),
		ConfiguredServerID: configuredServerID,
		Name:               name,
		DisplayName:        name,
		Category:           category,
	}
	require.NoError(t, gormDB.Create(tool).Error)
	return tool
}
