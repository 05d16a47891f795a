package main

import (
	"fmt"

	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/config"
	"github.com/tommy01-cpu/aspac-ithelpdesk-sub003/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the engine's database schema.`,
	Run:   migrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(cmd *cobra.Command, args []string) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Department{}, &models.Technician{}, &models.SupportGroup{},
		&models.Template{}, &models.TemplateField{},
		&models.ApprovalLevel{}, &models.ApprovalLevelApprover{},
		&models.Request{}, &models.ApprovalRecord{}, &models.RequestHistory{},
		&models.SLADefinition{}, &models.EscalationLevel{}, &models.EscalationFire{},
		&models.BusinessCalendar{}, &models.CalendarWindow{}, &models.Holiday{},
	); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	logrus.Info("Database migration completed")
}
