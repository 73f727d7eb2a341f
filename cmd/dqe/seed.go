package main

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// newSeedCmd creates a purchases table with the kind of dirt real data
// has: null runs, heavy-tail amounts with outliers, a column mixing
// numeric codes with words, and dates in two formats.
func newSeedCmd() *cobra.Command {
	var (
		dbPath string
		rows   int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create and fill a demo purchases table",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := seedPurchases(db, rows); err != nil {
				return err
			}
			fmt.Printf("seeded purchases with %d rows in %s\n", rows, dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "dqe.sqlite", "sqlite database file")
	cmd.Flags().IntVar(&rows, "rows", 50000, "rows to insert")
	return cmd
}

func seedPurchases(db *sql.DB, rows int) error {
	if _, err := db.Exec(`DROP TABLE IF EXISTS purchases`); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE purchases (
        id INTEGER PRIMARY KEY,
        dt TEXT,
        country TEXT,
        amount REAL,
        email TEXT,
        coupon TEXT
    )`); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	rng := rand.New(rand.NewSource(42))
	countries := []string{"US", "IN", "DE", "FR", "GB", "BR", "CA", "AU", "JP", "MX"}
	words := []string{"SUMMER", "WELCOME", "VIP", "RETRY", "COMEBACK"}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO purchases(dt,country,amount,email,coupon)
        VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		d := start.Add(time.Duration(rng.Intn(365*24)) * time.Hour)
		// A few rows use US date order, most are ISO.
		var dt any = d.Format("2006-01-02")
		if rng.Float64() < 0.03 {
			dt = d.Format("01/02/2006")
		}

		var country any = countries[rng.Intn(len(countries))]
		if rng.Float64() < 0.02 {
			country = nil
		}

		// amount heavy-tail, with a rare spike far outside the fences
		var amount any = 10 + rng.ExpFloat64()*50
		switch {
		case rng.Float64() < 0.04:
			amount = nil
		case i%97 == 0:
			amount = 4000 + rng.Float64()*1000
		}

		var email any = fmt.Sprintf("user%d@example.com", rng.Intn(rows))
		if rng.Float64() < 0.05 {
			email = nil
		}

		// coupon mixes numeric codes with campaign words
		var coupon any = strconv.Itoa(1000 + rng.Intn(9000))
		switch {
		case rng.Float64() < 0.08:
			coupon = nil
		case rng.Float64() < 0.15:
			coupon = words[rng.Intn(len(words))]
		}

		if _, err := stmt.Exec(dt, country, amount, email, coupon); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		if i > 0 && i%10000 == 0 {
			fmt.Printf("inserted %d\n", i)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
