package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spbridge/spbridge/internal/relay"
)

var (
	validateConfigPath string
	validateShow       bool
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Config    string   `json:"config"`
	Apps      int      `json:"apps"`
	Routes    int      `json:"routes"`
	Platforms int      `json:"platforms"`
	Errors    []string `json:"errors,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate spbridge configuration file",
	Long: `Validate the spbridge configuration file without starting the service.

This command checks:
  - YAML syntax and environment variable expansion
  - Backend tenant settings
  - Routing table consistency
  - Platform credentials

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := validateConfigPath
		if configFile == "" {
			for _, loc := range []string{
				"config.yaml",
				filepath.Join(os.Getenv("HOME"), ".config/spbridge/config.yaml"),
				"/etc/spbridge/config.yaml",
			} {
				if _, err := os.Stat(loc); err == nil {
					configFile = loc
					break
				}
			}
		}

		if configFile == "" {
			fmt.Println("❌ No configuration file found")
			fmt.Println("\nSpecify a config file with --config or ensure one exists at:")
			fmt.Println("  - ./config.yaml")
			fmt.Println("  - ~/.config/spbridge/config.yaml")
			fmt.Println("  - /etc/spbridge/config.yaml")
			os.Exit(1)
		}

		cfg, err := relay.LoadConfig(configFile)
		if err != nil {
			result := ValidationResult{
				Valid:  false,
				Config: configFile,
				Errors: []string{err.Error()},
			}
			outputValidationResult(result, validateJSON)
			os.Exit(1)
		}

		result := ValidationResult{
			Valid:     true,
			Config:    configFile,
			Apps:      len(cfg.SPChat.Apps),
			Routes:    len(cfg.SPChat.Routes),
			Platforms: len(cfg.Platforms),
			Warnings:  validateConfigDetails(cfg),
		}

		if validateShow {
			fmt.Printf("✓ Configuration loaded: %s\n\n", configFile)
			fmt.Printf("Backend apps (%d):\n", len(cfg.SPChat.Apps))
			for name, app := range cfg.SPChat.Apps {
				fmt.Printf("  - %s: %s (tenant %s)\n", name, app.BaseURL, app.TenantURL)
			}
			fmt.Printf("\nRoutes (%d):\n", len(cfg.SPChat.Routes))
			for _, rt := range cfg.SPChat.Routes {
				fmt.Printf("  - %s: %d users\n", rt.App, len(rt.Users))
			}
			fmt.Printf("\nPlatforms (%d):\n", len(cfg.Platforms))
			for name, p := range cfg.Platforms {
				status := "disabled"
				if p.Enabled {
					status = "enabled"
				}
				fmt.Printf("  - %s: %s\n", name, status)
			}
			fmt.Println()
		}

		outputValidationResult(result, validateJSON)

		if !result.Valid {
			os.Exit(1)
		}
	},
}

func outputValidationResult(result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Printf("{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Println(string(output))
		return
	}

	if result.Valid {
		fmt.Println("✓ Configuration is valid")
		fmt.Printf("  - Config: %s\n", result.Config)
		fmt.Printf("  - Backend apps: %d\n", result.Apps)
		fmt.Printf("  - Routes: %d\n", result.Routes)
		fmt.Printf("  - Platforms configured: %d\n", result.Platforms)
		if len(result.Warnings) > 0 {
			fmt.Println("\n⚠️  Warnings:")
			for _, warning := range result.Warnings {
				fmt.Printf("  - %s\n", warning)
			}
		}
	} else {
		fmt.Println("❌ Configuration validation failed:")
		if len(result.Errors) > 0 {
			fmt.Println("\nErrors:")
			for _, errMsg := range result.Errors {
				fmt.Printf("  - %s\n", errMsg)
			}
		}
		if len(result.Warnings) > 0 {
			fmt.Println("\nWarnings:")
			for _, warning := range result.Warnings {
				fmt.Printf("  - %s\n", warning)
			}
		}
	}
}

func validateConfigDetails(cfg *relay.Config) []string {
	var warnings []string

	if cfg.SPChat.DefaultApp == "" && len(cfg.SPChat.Routes) == 0 {
		warnings = append(warnings, "No routes and no default_app set - the first app will take all traffic")
	}

	for name, p := range cfg.Platforms {
		if !p.Enabled {
			continue
		}
		switch name {
		case relay.PlatformTelegram:
			if p.Token == "" {
				warnings = append(warnings, "Platform 'telegram' is enabled but has no token")
			}
		case relay.PlatformMessenger:
			if p.PageAccessToken == "" || p.VerifyToken == "" {
				warnings = append(warnings, "Platform 'messenger' is enabled but is missing credentials")
			}
		case relay.PlatformVK:
			if p.GroupAccessToken == "" {
				warnings = append(warnings, "Platform 'vk' is enabled but has no group_access_token")
			}
		case relay.PlatformWeChat:
			if p.AppID == "" || p.AppSecret == "" || p.Token == "" {
				warnings = append(warnings, "Platform 'wechat' is enabled but is missing credentials")
			}
		case relay.PlatformViber:
			if p.AuthToken == "" {
				warnings = append(warnings, "Platform 'viber' is enabled but has no auth_token")
			}
		case relay.PlatformWhatsApp:
			if p.APIKey == "" || p.ScenarioKey == "" {
				warnings = append(warnings, "Platform 'whatsapp' is enabled but is missing credentials")
			}
		}
	}

	return warnings
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show full configuration details")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
