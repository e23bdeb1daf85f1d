package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/keyforge"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage cryptographic keys",
	Long:  `Generate, list, rotate, verify and delete cryptographic keys.`,
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key",
	Long:  `Generate a key from a spec. The key type determines the material: symmetric random bytes, an asymmetric key pair, an HMAC signing key, or a derivation master key.`,
	RunE:  runKeyGenerate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys",
	RunE:  runKeyList,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <key-id>",
	Short: "Show a key's envelope without its private material",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyInfo,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate <key-id>",
	Short: "Rotate a key",
	Long:  `Regenerate the key with an identical spec under the same id. The new material carries a fresh version and fingerprint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRotate,
}

var keyVerifyCmd = &cobra.Command{
	Use:   "verify <key-id>",
	Short: "Verify a key's integrity fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyVerify,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDelete,
}

var (
	keyType      string
	keyAlgorithm string
	keyPurpose   string
	keySize      int
	jsonOutput   bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyGenerateCmd)
	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyInfoCmd)
	keysCmd.AddCommand(keyRotateCmd)
	keysCmd.AddCommand(keyVerifyCmd)
	keysCmd.AddCommand(keyDeleteCmd)

	keyGenerateCmd.Flags().StringVar(&keyType, "type", "symmetric", "key type (symmetric, asymmetric, signing, derivation)")
	keyGenerateCmd.Flags().StringVar(&keyAlgorithm, "algorithm", "aes-256-gcm", "algorithm (aes-256-gcm, hmac-sha256, rsa-2048, rsa-4096, ed25519, secp256k1, ...)")
	keyGenerateCmd.Flags().StringVar(&keyPurpose, "purpose", "encryption", "key purpose (jwt, api, database, encryption)")
	keyGenerateCmd.Flags().IntVar(&keySize, "size", 0, "key size in bits for non-standard algorithms")

	keysCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
}

func runKeyGenerate(cmd *cobra.Command, args []string) error {
	spec := keyforge.KeySpec{
		Type:        keyforge.KeyType(keyType),
		Algorithm:   keyAlgorithm,
		Purpose:     keyPurpose,
		KeySize:     keySize,
		Environment: environment,
	}

	key, err := platform.Keys.GenerateKey(spec, cliContext.UserID, nil)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(redactKey(key))
	}
	fmt.Printf("Generated key: %s\n", key.ID)
	fmt.Printf("  Fingerprint: %s\n", key.Fingerprint)
	fmt.Printf("  Version:     %s\n", key.Version)
	fmt.Printf("  Expires:     %s\n", formatTimePtr(key.ExpiresAt))
	return nil
}

func runKeyList(cmd *cobra.Command, args []string) error {
	keys, err := platform.Keys.ListKeys(cliContext.UserID, keyforge.KeyFilter{})
	if err != nil {
		return err
	}

	if jsonOutput {
		redacted := make([]*keyforge.GeneratedKey, len(keys))
		for i, key := range keys {
			redacted[i] = redactKey(key)
		}
		return printJSON(redacted)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tALGORITHM\tPURPOSE\tCREATED\tEXPIRES")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			key.ID, key.Spec.Type, key.Spec.Algorithm, key.Spec.Purpose,
			formatTime(key.Created), formatTimePtr(key.ExpiresAt))
	}
	return w.Flush()
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	key, err := platform.Keys.GetKey(args[0], cliContext.UserID)
	if err != nil {
		return err
	}
	return printJSON(redactKey(key))
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	result := platform.Keys.RotateKey(args[0], cliContext.UserID)
	if !result.Success {
		return fmt.Errorf("rotation failed: %s", result.Error)
	}
	fmt.Printf("Rotated %s -> %s at %s\n", result.OldKeyID, result.NewKeyID, formatTime(result.RotationTime))
	return nil
}

func runKeyVerify(cmd *cobra.Command, args []string) error {
	if err := platform.Keys.VerifyKeyIntegrity(args[0], cliContext.UserID); err != nil {
		return err
	}
	fmt.Printf("Key %s integrity verified\n", args[0])
	return nil
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	if err := platform.Keys.DeleteKey(args[0], cliContext.UserID); err != nil {
		return err
	}
	fmt.Printf("Deleted key %s\n", args[0])
	return nil
}

// redactKey strips private material before display.
func redactKey(key *keyforge.GeneratedKey) *keyforge.GeneratedKey {
	c := *key
	c.SymmetricKey = nil
	c.PrivateKey = nil
	if key.DerivationData != nil {
		d := *key.DerivationData
		d.Salt = nil
		c.DerivationData = &d
	}
	return &c
}
