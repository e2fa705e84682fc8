package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func newPeerIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peer-id",
		Short: "Generate a fresh, random peer identity for this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := generatePeerID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// generatePeerID draws 16 bytes from the system's cryptographic random
// source and hex-encodes them.
func generatePeerID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("peer-id: read randomness: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
