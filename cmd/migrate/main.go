package main

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// dbSettings is the connection the migrations run against.
type dbSettings struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
}

func settingsFromEnv() dbSettings {
	return dbSettings{
		User:     env.GetEnv("DB_USER", "payfox"),
		Password: env.GetEnv("DB_PASSWORD", "payfox"),
		Host:     env.GetEnv("DB_HOST", "db"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		Name:     env.GetEnv("DB_NAME", "payfox_db"),
	}
}

// URL is the golang-migrate mysql DSN. Timestamps are read back as UTC.
func (s dbSettings) URL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		url.QueryEscape(s.User), url.QueryEscape(s.Password), s.Host, s.Port, s.Name)
}

func (s dbSettings) String() string {
	return fmt.Sprintf("%s@%s:%s/%s", s.User, s.Host, s.Port, s.Name)
}

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	settings := settingsFromEnv()
	log.Printf("Connecting to database: %s", settings)

	m, err := migrate.New(
		"file://"+env.GetEnv("MIGRATIONS_PATH", "migrations"),
		settings.URL(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}

	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			log.Printf("Failed to close migration resources: %v, %v", sourceErr, dbErr)
		}
	}()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration failed: %v", err)
		} else if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No change: database is already up to date")
		} else {
			log.Println("Migrations applied")
		}

	case "down":
		// Roll back the last migration only
		if err := m.Steps(-1); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Last migration rolled back")

	case "goto", "force":
		version, err := versionArg(os.Args)
		if err != nil {
			log.Fatal(err)
		}
		if command == "force" {
			// Clears the dirty flag after a failed migration was fixed by hand.
			if err := m.Force(int(version)); err != nil {
				log.Fatalf("Force to version %d failed: %v", version, err)
			}
			log.Printf("Version forced to %d", version)
			return
		}
		if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Migration to version %d failed: %v", version, err)
		} else if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("No change: database is already at version %d", version)
		} else {
			log.Printf("Migrated to version %d", version)
		}

	case "status":
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Println("No migrations have been applied yet")
			} else {
				log.Fatalf("Failed to read migration version: %v", err)
			}
		} else {
			dirtyStatus := ""
			if dirty {
				dirtyStatus = " (dirty)"
			}
			log.Printf("Current migration version: %d%s", version, dirtyStatus)
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

func versionArg(args []string) (uint, error) {
	if len(args) < 3 {
		return 0, errors.New("please provide a version number")
	}
	version, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version number: %w", err)
	}
	return uint(version), nil
}

func printUsage() {
	fmt.Println("Usage: go run cmd/migrate/main.go [command]")
	fmt.Println("Commands:")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  goto N  - migrate to version N")
	fmt.Println("  force N - set version N without running migrations")
	fmt.Println("  status  - show the current migration version")
}
