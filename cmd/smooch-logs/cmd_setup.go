package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fivehealth/smooch-logs/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("smooch-logs setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.BaseURL = prompt(scanner, "Console base URL", cfg.BaseURL)
		cfg.Username = prompt(scanner, "Console username (email)", cfg.Username)
		cfg.Password = prompt(scanner, "Console password", cfg.Password)
		cfg.Chrome.Binary = prompt(scanner, "Chrome binary (empty to search)", cfg.Chrome.Binary)
		cfg.TokenStore = prompt(scanner, "Session cache (none, file, redis)", cfg.TokenStore)
		if cfg.TokenStore == "redis" {
			cfg.Redis.Addr = prompt(scanner, "Redis address", cfg.Redis.Addr)
		}

		cfg.Watch.Output = prompt(scanner, "Watch output target (optional)", cfg.Watch.Output)
		cfg.Watch.Schedule = prompt(scanner, "Watch schedule", cfg.Watch.Schedule)

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			def := ""
			if cfg.Telegram.ChatID != 0 {
				def = strconv.FormatInt(cfg.Telegram.ChatID, 10)
			}
			if n, err := strconv.ParseInt(prompt(scanner, "Telegram chat id", def), 10, 64); err == nil {
				cfg.Telegram.ChatID = n
			}
		}

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
