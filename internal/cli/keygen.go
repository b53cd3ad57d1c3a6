package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finp2p/finp2p-router/internal/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a router identity keypair",
	Long: `Generate a fresh secp256k1 keypair. Put the private key in the
security.private_key config option and hand the public key to peer
routers for their roster.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, pub, err := crypto.GenerateKeypair()
		if err != nil {
			return err
		}
		fmt.Printf("private_key = %q\n", priv)
		fmt.Printf("public_key  = %q\n", pub)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
