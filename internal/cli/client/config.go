package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// GlobalConfig is stored in <user config dir>/docrag/config.json.
type GlobalConfig struct {
	APIURL string `json:"api_url"`
}

var getConfigPathFunc = defaultGetConfigPath

func defaultGetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}
	return filepath.Join(configDir, "docrag", "config.json"), nil
}

func GetConfigPath() (string, error) {
	return getConfigPathFunc()
}

// LoadGlobalConfig returns nil without error when no config file exists.
func LoadGlobalConfig() (*GlobalConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config GlobalConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

func SaveGlobalConfig(config *GlobalConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func ConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure <api-url>",
		Short: "Save the API URL to the global config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("invalid API URL %q", args[0])
			}
			if err := SaveGlobalConfig(&GlobalConfig{APIURL: args[0]}); err != nil {
				return err
			}
			path, _ := GetConfigPath()
			fmt.Printf("Saved API URL to %s\n", path)
			return nil
		},
	}
}
