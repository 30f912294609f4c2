// Package keys holds the credential bootstrap tooling: everything a new mesh
// needs before its first node starts.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tichaonax/go-sync-infra/internal/syncer"
	"github.com/tichaonax/go-sync-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("keys",
		newRegistration(),
		newSigning(),
	)
}

func newRegistration() *cobra.Command {
	return &cobra.Command{
		Use:   "registration",
		Short: "Generate a shared registration key for the mesh",
		Run: func(_ *cobra.Command, _ []string) {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				log.Fatal().Err(err).Msg("Failed to generate registration key")
			}
			fmt.Println(hex.EncodeToString(buf))
		},
	}
}

func newSigning() *cobra.Command {
	var nodeID string

	cmd := &cobra.Command{
		Use:   "signing",
		Short: "Generate an event signing keypair and print the public key",
		Run: func(_ *cobra.Command, _ []string) {
			signer, err := syncer.NewSigner(nodeID)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to generate signing keypair")
			}
			fmt.Printf("seed:       %s\n", signer.Seed())
			fmt.Printf("public key: %s\n", signer.PublicKey())
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "Node the keypair belongs to")
	return cmd
}
