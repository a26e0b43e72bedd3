package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gatekeeper-config - Route rule configuration tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gatekeeper-config convert <input> <output>  - Convert between formats")
	fmt.Println("  gatekeeper-config validate <file>           - Validate configuration")
	fmt.Println("  gatekeeper-config stats <file>              - Show configuration statistics")
	fmt.Println("  gatekeeper-config apply <file>              - Apply configuration to an engine")
	fmt.Println()
	fmt.Println("Supported formats: .dsl, .gk, .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: gatekeeper-config convert <input> <output>")
		os.Exit(1)
	}
	inputFile, outputFile := os.Args[2], os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config validate <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Routes:  %d\n", len(cfg.Routes))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config stats <file>")
		os.Exit(1)
	}
	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)
	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	anonymous, public, protected := 0, 0, 0
	totalPerms, totalRoles := 0, 0
	for _, rc := range cfg.Routes {
		switch {
		case rc.AllowAnonymous:
			anonymous++
		case !rc.RequireAuthentication && len(rc.Permissions) == 0 && len(rc.Roles) == 0:
			public++
		default:
			protected++
		}
		totalPerms += len(rc.Permissions)
		totalRoles += len(rc.Roles)
	}
	fmt.Println("Routes:")
	fmt.Printf("  Total:     %d\n", len(cfg.Routes))
	fmt.Printf("  Anonymous: %d\n", anonymous)
	fmt.Printf("  Public:    %d\n", public)
	fmt.Printf("  Protected: %d\n", protected)
	fmt.Println()
	fmt.Println("Requirements:")
	fmt.Printf("  Permission references: %d\n", totalPerms)
	fmt.Printf("  Role references:       %d\n", totalRoles)
	fmt.Println()
	fmt.Println("Engine Configuration:")
	fmt.Printf("  Permission cache TTL: %dms\n", cfg.Engine.PermissionCacheTTL)
	fmt.Printf("  Source timeout:       %dms\n", cfg.Engine.SourceTimeout)
	fmt.Printf("  Decision cache TTL:   %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Require all:          %t\n", cfg.Engine.RequireAll)
	fmt.Printf("  Strict rules:         %t\n", cfg.Engine.StrictRules)
}

func handleApply() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config apply <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	registry := gatekeeper.NewRegistry()
	resolver, err := gatekeeper.NewResolver(stores.NewMemoryPermissionSource())
	if err != nil {
		fmt.Printf("Error creating resolver: %v\n", err)
		os.Exit(1)
	}
	engine, err := gatekeeper.NewEngine(registry, resolver)
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.ApplyConfig(context.Background(), cfg); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Configuration applied successfully")
	fmt.Printf("  Routes loaded: %d\n", len(cfg.Routes))
	fmt.Printf("  Revision:      %d\n", registry.Revision())
}

func loadConfig(filename string) (*gatekeeper.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	loader := gatekeeper.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".dsl", ".gk":
		return gatekeeper.NewDSLParser().Parse(data)
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *gatekeeper.Config, filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".dsl", ".gk":
		data, err = cfg.ToDSL()
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = gatekeeper.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
