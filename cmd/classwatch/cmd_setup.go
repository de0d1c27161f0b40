package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/classwatch/internal/config"
	"github.com/user/classwatch/internal/scheduler"
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

		fmt.Println("Classwatch Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		capacity := prompt(scanner, "Events kept in the live window", strconv.Itoa(cfg.Window.Capacity))
		if n, err := strconv.Atoi(capacity); err == nil && n > 0 {
			cfg.Window.Capacity = n
		}

		cfg.Window.AlertCategories = splitList(prompt(scanner, "Alert behaviors (comma separated)",
			strings.Join(cfg.Window.AlertCategories, ",")))

		cfg.HTTP.Listen = prompt(scanner, "Dashboard API listen address", cfg.HTTP.Listen)

		brokers := prompt(scanner, "Kafka brokers (empty disables the detector feed)",
			strings.Join(cfg.Kafka.Brokers, ","))
		cfg.Kafka.Brokers = splitList(brokers)
		cfg.Kafka.Enabled = len(cfg.Kafka.Brokers) > 0
		if cfg.Kafka.Enabled {
			cfg.Kafka.Topic = prompt(scanner, "Kafka topic", cfg.Kafka.Topic)
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			var current []string
			for _, id := range cfg.Telegram.ChatIDs {
				current = append(current, strconv.FormatInt(id, 10))
			}
			cfg.Telegram.ChatIDs = nil
			for _, raw := range splitList(prompt(scanner, "Telegram chat ids for alerts", strings.Join(current, ","))) {
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					fmt.Printf("  skipping invalid chat id %q\n", raw)
					continue
				}
				cfg.Telegram.ChatIDs = append(cfg.Telegram.ChatIDs, id)
			}
		}

		schedule := prompt(scanner, "Window reset schedule, cron (optional)", cfg.Reset.Schedule)
		if schedule != "" {
			if err := scheduler.Validate(schedule); err != nil {
				return err
			}
		}
		cfg.Reset.Schedule = schedule

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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
