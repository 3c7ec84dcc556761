package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/aria/internal/credential"
)

// Keys with these suffixes hold secrets and are encrypted before storage.
var sensitiveKeySuffixes = []string{".api_key", ".secret", ".token"}

func isSensitiveKey(key string) bool {
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		value := args[1]

		s := getStore()
		defer s.Close()

		if isSensitiveKey(key) {
			creds, err := credential.NewManager()
			if err != nil {
				fmt.Printf("Failed to init credential manager: %v\n", err)
				os.Exit(1)
			}
			enc, err := creds.Encrypt(value)
			if err != nil {
				fmt.Printf("Failed to encrypt value: %v\n", err)
				os.Exit(1)
			}
			value = enc
		}

		if err := s.SetConfig(key, value); err != nil {
			fmt.Printf("Failed to set config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration saved: %s\n", key)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		s := getStore()
		defer s.Close()

		val, err := s.GetConfig(key)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		switch {
		case val == "":
			fmt.Println("(not set)")
		case credential.IsEncrypted(val):
			creds, err := credential.NewManager()
			if err != nil {
				fmt.Printf("Failed to init credential manager: %v\n", err)
				os.Exit(1)
			}
			plain, err := creds.Decrypt(val)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(credential.MaskSecret(plain))
		default:
			fmt.Println(val)
		}
	},
}

func init() {
	RootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
}
