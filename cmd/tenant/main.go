// Package main provides CLI for hospital shard management.
// Usage: tenant list
//
//	tenant activate <hospital-id>
//	tenant deactivate <hospital-id>
//	tenant schema catalog|shard [--apply] [--id <hospital-id>]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"medshard/internal/core/tenant"
	"medshard/internal/infrastructure/storage/postgres"
	"medshard/pkg/logger"
)

// cliConfig is the subset of process configuration the CLI needs.
type cliConfig struct {
	CatalogDSN string `env:"CATALOG_DATABASE_URL,required,notEmpty"`
	DBUser     string `env:"TENANT_DB_USER"`
	DBPassword string `env:"TENANT_DB_PASSWORD"`
	SSLMode    string `env:"TENANT_DB_SSLMODE" envDefault:"disable"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "list":
		listTenants(ctx)
	case "activate":
		setActive(ctx, true)
	case "deactivate":
		setActive(ctx, false)
	case "schema":
		schema(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`medshard Hospital Management CLI

Usage:
  tenant <command> [options]

Commands:
  list        List all hospitals in the catalog
  activate    Mark a hospital active
  deactivate  Mark a hospital inactive (its pool is dropped on next recheck)
  schema      Print or apply the catalog or shard DDL
  help        Show this help

Environment Variables:
  CATALOG_DATABASE_URL  Connection string for the catalog database (required)
  TENANT_DB_USER        Fallback username for shard databases
  TENANT_DB_PASSWORD    Fallback password for shard databases
  TENANT_DB_SSLMODE     sslmode for shard connections (default: disable)

Examples:
  tenant list
  tenant activate 5
  tenant deactivate 5
  tenant schema catalog > catalog.sql
  tenant schema catalog --apply
  tenant schema shard --apply --id 5`)
}

func loadConfig() cliConfig {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("Error reading .env: %v\n", err)
		os.Exit(1)
	}
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newManager() *tenant.Manager {
	cfg := loadConfig()

	mc := tenant.DefaultManagerConfig()
	mc.CatalogDSN = cfg.CatalogDSN
	mc.CatalogMaxConns = 2
	mc.DBUser = cfg.DBUser
	mc.DBPassword = cfg.DBPassword
	mc.SSLMode = cfg.SSLMode
	mc.MaxConnsPerTenant = 2
	mc.MinConnsPerTenant = 0

	return tenant.NewManager(mc, logger.Nop(),
		tenant.WithConnector(postgres.NewConnector(postgres.ConnectorConfig{ApplicationName: "medshard-cli"})))
}

func listTenants(ctx context.Context) {
	manager := newManager()
	defer manager.Close()

	tenants, err := manager.Registry().ListAll(ctx)
	if err != nil {
		fmt.Printf("Error listing hospitals: %v\n", err)
		os.Exit(1)
	}

	if len(tenants) == 0 {
		fmt.Println("No hospitals found")
		return
	}

	fmt.Printf("%-8s %-30s %-25s %-20s %-8s\n", "ID", "NAME", "HOST", "DATABASE", "ACTIVE")
	fmt.Println(strings.Repeat("-", 95))

	for _, t := range tenants {
		fmt.Printf("%-8d %-30s %-25s %-20s %-8t\n",
			t.ID,
			truncate(t.Name, 30),
			truncate(t.DBHost+":"+strconv.Itoa(t.DBPort), 25),
			truncate(t.DBName, 20),
			t.IsActive,
		)
	}
}

func setActive(ctx context.Context, active bool) {
	verb := "deactivate"
	if active {
		verb = "activate"
	}
	if len(os.Args) < 3 {
		fmt.Printf("Usage: tenant %s <hospital-id>\n", verb)
		os.Exit(1)
	}
	tenantID := parseID(os.Args[2])

	manager := newManager()
	defer manager.Close()

	if err := manager.Registry().SetActive(ctx, tenantID, active); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			fmt.Printf("Error: hospital %d not found\n", tenantID)
		} else {
			fmt.Printf("Error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("✓ Hospital %d %sd\n", tenantID, verb)
}

func schema(ctx context.Context) {
	if len(os.Args) < 3 {
		fmt.Println("Usage: tenant schema catalog|shard [--apply] [--id <hospital-id>]")
		os.Exit(1)
	}
	name := os.Args[2]

	var apply bool
	var tenantID int64
	for i := 3; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--apply":
			apply = true
		case "--id":
			if i+1 < len(os.Args) {
				tenantID = parseID(os.Args[i+1])
				i++
			}
		}
	}

	ddl, err := postgres.SchemaSQL(name)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if !apply {
		fmt.Print(ddl)
		return
	}

	manager := newManager()
	defer manager.Close()

	if name == postgres.SchemaCatalog {
		pool, err := manager.CatalogPool(ctx)
		if err != nil {
			fmt.Printf("Error connecting to catalog: %v\n", err)
			os.Exit(1)
		}
		if err := postgres.ApplySchema(ctx, pool, name); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("✓ Catalog schema applied")
		return
	}

	if tenantID == 0 {
		fmt.Println("Error: --id <hospital-id> is required to apply the shard schema")
		os.Exit(1)
	}
	mp, err := manager.TenantPool(ctx, tenantID)
	if err != nil {
		fmt.Printf("Error connecting to hospital %d: %v\n", tenantID, err)
		os.Exit(1)
	}
	mp.AcquireRef()
	defer mp.ReleaseRef()

	if err := postgres.ApplySchema(ctx, mp.Pool(), name); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Shard schema applied to hospital %d (%s)\n", tenantID, mp.Tenant().DBName)
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fmt.Printf("Error: invalid hospital id %q\n", s)
		os.Exit(1)
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
