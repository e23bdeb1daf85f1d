package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/keyforge"
	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/persist"
)

var (
	cfgFile     string
	storagePath string
	passphrase  string
	environment string
	platform    *keyforge.Platform
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyforge",
	Short: "Key and secret lifecycle management",
	Long: `Manages the full lifecycle of cryptographic keys and secrets: generation,
envelope-encrypted storage, role-based access control, scheduled and
risk-driven rotation, integrity verification, and audit logging.`,
	PersistentPreRunE: initializePlatform,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if platform != nil {
			return platform.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keyforge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storagePath, "storage-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "vault passphrase (or use KEYFORGE_PASSPHRASE env var)")
	rootCmd.PersistentFlags().StringVarP(&environment, "environment", "e", "", "deployment environment")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3, memory)")

	bindFlagOrPanic("vault.path", "storage-path")
	bindFlagOrPanic("vault.passphrase", "passphrase")
	bindFlagOrPanic("vault.environment", "environment")
	bindFlagOrPanic("vault.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/keyforge")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keyforge")
	}

	viper.SetEnvPrefix("KEYFORGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", ".keyforge")
	viper.SetDefault("vault.environment", "development")
	viper.SetDefault("vault.store_type", "file")

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "keyforge/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializePlatform(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}
	// Config inspection must work without a passphrase or an open vault.
	if cmd.HasParent() && cmd.Parent().Name() == "config" {
		return nil
	}

	storagePath = viper.GetString("vault.path")
	environment = viper.GetString("vault.environment")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storagePath, "audit.log"))
	}

	passphrase = viper.GetString("vault.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("KEYFORGE_PASSPHRASE")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase is required. Use --passphrase flag or KEYFORGE_PASSPHRASE environment variable")
	}

	store, err := buildStore()
	if err != nil {
		return err
	}

	options := keyforge.Options{
		DerivationPassphrase: passphrase,
		EnvPassphraseVar:     "KEYFORGE_PASSPHRASE",
		Environment:          environment,
	}
	if viper.GetBool("audit.enabled") {
		options.Audit = &audit.Config{
			Enabled:     true,
			Environment: environment,
			Type:        audit.ConfigType(viper.GetString("audit.type")),
			Options: map[string]interface{}{
				"file_path": viper.GetString("audit.options.file_path"),
			},
			LogLevel: viper.GetString("audit.log_level"),
		}
	}

	platform, err = keyforge.NewPlatform(options, store, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize platform: %w", err)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	// The CLI operator holds the admin role for the session.
	_ = platform.Access.CreateUser(keyforge.User{
		ID:          cliContext.UserID,
		Username:    cliContext.UserID,
		Roles:       []string{"admin"},
		Environment: environment,
		IsActive:    true,
	})

	_ = platform.Audit.Log("cli_command", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
		"flags":      sanitizeFlags(cmd),
	})
	return nil
}

func buildStore() (persist.Store, error) {
	storeType := viper.GetString("vault.store_type")
	switch storeType {
	case "", "file":
		if err := os.MkdirAll(storagePath, 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{Type: "filesystem", Path: storagePath})
	case "memory":
		return persist.NewStore(persist.StoreConfig{Type: "memory"})
	case "s3":
		return persist.NewStore(persist.StoreConfig{
			Type: "s3",
			S3: &persist.S3Config{
				Endpoint:        viper.GetString("vault.s3.endpoint"),
				Region:          viper.GetString("vault.s3.region"),
				Bucket:          viper.GetString("vault.s3.bucket"),
				KeyPrefix:       viper.GetString("vault.s3.prefix"),
				AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
				SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
				UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			},
		})
	default:
		return nil, fmt.Errorf("unknown store type %q", storeType)
	}
}
