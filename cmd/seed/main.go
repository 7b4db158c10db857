package main

import (
	"fmt"
	"log"

	"github.com/gatehouse-proxy/gatehouse/internal/api/routes"
	"github.com/gatehouse-proxy/gatehouse/internal/config"
	"github.com/gatehouse-proxy/gatehouse/internal/database"
	"github.com/gatehouse-proxy/gatehouse/internal/models"
)

// Seeds a development database with an admin account and a sample host so
// the UI has something to show on first boot.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := routes.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}
	fmt.Println("database migrated")

	var users int64
	if err := db.Model(&models.User{}).Count(&users).Error; err != nil {
		log.Fatalf("count users: %v", err)
	}
	if users == 0 {
		admin := models.User{
			Email:   "admin@example.com",
			Name:    "Administrator",
			Role:    models.RoleAdmin,
			Enabled: true,
		}
		if err := admin.SetPassword("changeme"); err != nil {
			log.Fatalf("hash password: %v", err)
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Fatalf("create admin: %v", err)
		}
		fmt.Println("created admin@example.com (password: changeme)")
	}

	var hosts int64
	if err := db.Model(&models.Host{}).Count(&hosts).Error; err != nil {
		log.Fatalf("count hosts: %v", err)
	}
	if hosts == 0 {
		host := models.Host{
			Domain:  "example.localhost",
			Targets: []string{"127.0.0.1:3000"},
			Scheme:  "http",
		}
		if err := db.Create(&host).Error; err != nil {
			log.Fatalf("create host: %v", err)
		}
		if err := db.Create(&models.Location{
			HostID:  host.ID,
			Path:    "/api",
			Targets: []string{"127.0.0.1:3001"},
			Rewrite: true,
		}).Error; err != nil {
			log.Fatalf("create location: %v", err)
		}
		fmt.Println("created sample host example.localhost")
	}

	fmt.Println("seed complete")
}
