package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"model-fallback/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate and print the resolved configuration",
	RunE:  runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out, err := renderConfig(cfg)
	if err != nil {
		return err
	}

	if cfg.Path != "" {
		fmt.Printf("# %s\n", cfg.Path)
	} else {
		fmt.Println("# built-in defaults")
	}
	fmt.Println(out)
	for _, warning := range cfg.Warnings() {
		fmt.Println(warnStyle.Render("warning: " + warning))
	}
	return nil
}

// renderConfig prints cfg as JSON with secrets masked.
func renderConfig(cfg *config.Config) (string, error) {
	masked := *cfg
	if masked.Telegram.Token != "" {
		masked.Telegram.Token = "********"
	}
	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
