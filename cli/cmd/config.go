package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and edit configuration sourced from the config file, environment variables and flags.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  `Get a configuration value. The key uses dot notation (e.g. vault.store_type).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available configuration keys",
	RunE:  runConfigList,
}

var configFormat string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configGetCmd, configSetCmd, configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "output", "o", "yaml", "output format (yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)

	switch configFormat {
	case "json":
		return printJSON(settings)
	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	default:
		return fmt.Errorf("unknown output format %q", configFormat)
	}
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key %q is not set", key)
	}
	if isSensitiveFlag(key) {
		fmt.Println("[REDACTED]")
		return nil
	}
	fmt.Println(viper.Get(key))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if _, ok := configKeys()[key]; !ok {
		return fmt.Errorf("unknown configuration key %q, see 'config list'", key)
	}

	viper.Set(key, value)

	path := viper.ConfigFileUsed()
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine config file location: %w", err)
		}
		path = filepath.Join(home, ".keyforge.yaml")
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s in %s\n", key, path)
	return nil
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := configKeys()
	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	for _, key := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

func configKeys() map[string]string {
	return map[string]string{
		"vault.path":              "storage path for the filesystem backend",
		"vault.environment":       "deployment environment (development, staging, production)",
		"vault.store_type":        "storage backend (file, memory, s3)",
		"vault.s3.endpoint":       "S3 endpoint URL",
		"vault.s3.region":         "S3 region",
		"vault.s3.bucket":         "S3 bucket name",
		"vault.s3.prefix":         "S3 object key prefix",
		"vault.s3.use_ssl":        "use TLS for S3 connections",
		"audit.enabled":           "enable audit logging",
		"audit.type":              "audit logger backend (file, syslog)",
		"audit.log_level":         "minimum audit severity",
		"audit.options.file_path": "audit log file path",
	}
}

// maskSensitiveValues redacts secrets in-place before configuration is
// printed.
func maskSensitiveValues(settings map[string]interface{}) {
	for key, value := range settings {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
			continue
		}
		if isSensitiveFlag(key) {
			if s, ok := value.(string); ok && s != "" {
				settings[key] = "[REDACTED]"
			}
		}
	}
}
