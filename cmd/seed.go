package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openfleet/rental-service/internal/config"
	"github.com/openfleet/rental-service/internal/db"
	"github.com/openfleet/rental-service/internal/model"
	"github.com/openfleet/rental-service/internal/util"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo rentals",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo rentals...")

		if err := seedRentals(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedRentals inserts a handful of demo rentals in various lifecycle
// stages for local development.
func seedRentals(dbx *sqlx.DB) error {
	now := time.Now()
	day := 24 * time.Hour

	type row struct {
		carID, renterID string
		start, end      time.Time
		status          model.RentalStatus
		price           *int64
	}
	price := func(v int64) *int64 { return &v }

	rows := []row{
		{"car-0001", "renter-1001", now.Add(2 * day), now.Add(5 * day), model.StatusPending, nil},
		{"car-0002", "renter-1002", now.Add(1 * day), now.Add(3 * day), model.StatusConfirmed, price(9800)},
		{"car-0003", "renter-1003", now.Add(-1 * day), now.Add(2 * day), model.StatusPickedUp, price(14700)},
		{"car-0004", "renter-1001", now.Add(-7 * day), now.Add(-3 * day), model.StatusReturnApproved, price(19600)},
		{"car-0005", "renter-1004", now.Add(4 * day), now.Add(6 * day), model.StatusCancelled, nil},
	}

	const q = `
INSERT INTO rentals
    (id, car_id, renter_id, start_date, end_date, status, total_price, version, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, 1, NOW(), NOW())
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, r := range rows {
		if _, err := tx.Exec(q, util.NewULID(), r.carID, r.renterID, r.start, r.end, r.status.String(), r.price); err != nil {
			return fmt.Errorf("insert rental for %q: %w", r.carID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rentals: %w", err)
	}
	return nil
}
