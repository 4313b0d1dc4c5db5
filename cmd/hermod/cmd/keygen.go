package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/hermod/keys"
	keybolt "github.com/jmcleod/hermod/keys/bolt"
)

var (
	keygenDB        string
	keygenAlgorithm string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the initial signing key",
	Long: `Creates the key database and generates a first signing key, so the key
set is published from the server's very first request. Running it against
an existing database with a live key is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		alg, err := keys.ParseAlgorithm(keygenAlgorithm)
		if err != nil {
			return err
		}

		store, err := keybolt.NewStoreFromFile(keygenDB, nil)
		if err != nil {
			return fmt.Errorf("opening key store: %w", err)
		}
		defer store.Close()

		km, err := keys.NewManager(context.Background(), store, keys.ManagerConfig{
			Algorithm:        alg,
			RotationInterval: 24 * time.Hour,
			Retention:        time.Hour,
		})
		if err != nil {
			return err
		}

		key, err := km.CurrentSigningKey()
		if err != nil {
			return err
		}
		fmt.Printf("signing key ready: kid=%s algorithm=%s db=%s\n",
			key.KeyID, key.Algorithm, keygenDB)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenDB, "db", "hermod-keys.db", "Path to the key database")
	keygenCmd.Flags().StringVar(&keygenAlgorithm, "algorithm", "EdDSA", "Signing algorithm (EdDSA or RS256)")
}
