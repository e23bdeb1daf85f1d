package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/keyforge"
)

var secretsCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage secrets",
	Long:  `Store, retrieve, rotate and delete envelope-encrypted secrets.`,
}

var secretStoreCmd = &cobra.Command{
	Use:   "store <name> <value>",
	Short: "Store a secret",
	Args:  cobra.ExactArgs(2),
	RunE:  runSecretStore,
}

var secretGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Retrieve a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretGet,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names and metadata",
	RunE:  runSecretList,
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate <name> <new-value>",
	Short: "Rotate a secret to a new value",
	Args:  cobra.ExactArgs(2),
	RunE:  runSecretRotate,
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretDelete,
}

var (
	secretDescription string
	secretTags        []string
	secretRole        string
)

func init() {
	rootCmd.AddCommand(secretsCmd)

	secretsCmd.AddCommand(secretStoreCmd)
	secretsCmd.AddCommand(secretGetCmd)
	secretsCmd.AddCommand(secretListCmd)
	secretsCmd.AddCommand(secretRotateCmd)
	secretsCmd.AddCommand(secretDeleteCmd)

	secretStoreCmd.Flags().StringVar(&secretDescription, "description", "", "secret description")
	secretStoreCmd.Flags().StringSliceVar(&secretTags, "tag", nil, "tags (repeatable)")
	secretsCmd.PersistentFlags().StringVar(&secretRole, "role", "admin", "role to act as")
}

func runSecretStore(cmd *cobra.Command, args []string) error {
	meta := &keyforge.SecretMetadata{
		Name:        args[0],
		Description: secretDescription,
		Environment: environment,
		Tags:        secretTags,
	}
	stored, err := platform.Vault.StoreSecret(args[0], []byte(args[1]), meta)
	if err != nil {
		return err
	}
	fmt.Printf("Stored secret %s (version %s)\n", stored.Name, stored.Version)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	value, _, err := platform.Vault.GetSecret(args[0], secretRole)
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	names, err := platform.Vault.ListSecrets()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tVERSION\tLAST ROTATED\tEXPIRES")
	for _, name := range names {
		meta, err := platform.Vault.GetSecretMetadata(name)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			meta.Name, meta.Type, meta.Version, formatTime(meta.LastRotated), formatTimePtr(meta.ExpiresAt))
	}
	return w.Flush()
}

func runSecretRotate(cmd *cobra.Command, args []string) error {
	meta, err := platform.Vault.RotateSecret(args[0], []byte(args[1]), secretRole)
	if err != nil {
		return err
	}
	fmt.Printf("Rotated secret %s to version %s\n", args[0], meta.Version)
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	if err := platform.Vault.DeleteSecret(args[0], secretRole); err != nil {
		return err
	}
	fmt.Printf("Deleted secret %s\n", args[0])
	return nil
}
