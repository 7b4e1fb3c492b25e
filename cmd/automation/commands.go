package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/automation"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/storage"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "crm-automation",
	Short:   "CRM automation rule engine",
	Long:    `Runs stored automation rules against CRM events: matches conditions, performs actions and keeps an audit trail.`,
	Version: AppVersion,
	RunE:    runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scheduled triggers",
	RunE:  runServe,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runServe is the main command to run the engine
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	return app.Stop()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute matching rules once and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		event, _ := cmd.Flags().GetString("event")
		ruleID, _ := cmd.Flags().GetString("rule")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		payloadFile, _ := cmd.Flags().GetString("payload-file")
		inline, _ := cmd.Flags().GetString("payload")

		if event == "" && ruleID == "" {
			return fmt.Errorf("--event or --rule is required")
		}

		raw := []byte(inline)
		if payloadFile != "" {
			data, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			raw = data
		}
		doc := payload.Parse(raw)
		if len(raw) > 0 && doc == nil {
			return fmt.Errorf("payload is not valid JSON")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := NewApplication(cfg, false)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		resp, err := app.executor.Execute(app.ctx, automation.Invocation{
			Event:          event,
			Payload:        doc,
			DryRun:         dryRun,
			SpecificRuleID: ruleID,
		})
		if err != nil {
			return err
		}

		out := json.NewEncoder(cmd.OutOrStdout())
		out.SetIndent("", "  ")
		return out.Encode(resp)
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule management commands",
}

var importRulesCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Storage.RulesFile = ""

		app, err := NewApplication(cfg, false)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		rules, err := storage.ImportRulesFile(app.ctx, app.storage, args[0])
		if err != nil {
			return err
		}
		for _, rule := range rules {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", rule.ID, rule.Trigger, rule.Name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules\n", len(rules))
		return nil
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "CRM automation engine %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration is valid!\n")
		fmt.Fprintf(out, "Environment: %s\n", cfg.App.Environment)
		fmt.Fprintf(out, "Database: %s\n", cfg.Storage.Type)
		fmt.Fprintf(out, "Email sender: %s\n", cfg.Transport.Email)
		fmt.Fprintf(out, "WhatsApp sender: %s\n", cfg.Transport.WhatsApp)
		fmt.Fprintf(out, "Events enabled: %t\n", cfg.Events.Enabled)
		fmt.Fprintf(out, "Schedules: %d\n", len(cfg.Schedules))
		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	runCmd.Flags().StringP("event", "e", "", "trigger name")
	runCmd.Flags().StringP("rule", "r", "", "run only this rule id, ignoring its trigger and active flag")
	runCmd.Flags().String("payload", "", "inline JSON payload")
	runCmd.Flags().StringP("payload-file", "f", "", "path to a JSON payload")
	runCmd.Flags().Bool("dry-run", false, "report what would happen without side effects")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rulesCmd.AddCommand(importRulesCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
