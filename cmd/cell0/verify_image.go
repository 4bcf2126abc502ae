package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/YigremTamiru/cell0-os/internal/bootimage"
)

var (
	trustedKeyFlags []string
	prevStageFlag   uint8
)

func newVerifyImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-image <path>",
		Short: "parse and verify a staged boot image (§6.2)",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerifyImage,
	}
	cmd.Flags().StringArrayVar(&trustedKeyFlags, "trusted-key", nil,
		"a trusted signer as keyid=hexpubkey; may be repeated")
	cmd.Flags().Uint8Var(&prevStageFlag, "prev-stage", 0,
		"the stage id this image must immediately follow")
	return cmd
}

func parseKeyring() (bootimage.Keyring, error) {
	keyring := bootimage.Keyring{Trusted: make(map[uint64][]byte)}
	for _, kv := range trustedKeyFlags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return bootimage.Keyring{}, fmt.Errorf("invalid --trusted-key %q, want keyid=hexpubkey", kv)
		}
		keyID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return bootimage.Keyring{}, fmt.Errorf("invalid key id %q: %w", parts[0], err)
		}
		pub, err := hex.DecodeString(parts[1])
		if err != nil {
			return bootimage.Keyring{}, fmt.Errorf("invalid pubkey hex for key %d: %w", keyID, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return bootimage.Keyring{}, fmt.Errorf("pubkey for key %d must be %d bytes, got %d", keyID, ed25519.PublicKeySize, len(pub))
		}
		keyring.Trusted[keyID] = pub
	}
	return keyring, nil
}

func runVerifyImage(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	img, err := bootimage.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	keyring, err := parseKeyring()
	if err != nil {
		return err
	}

	if err := bootimage.Verify(img, keyring, bootimage.StageID(prevStageFlag)); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "FAIL: %v (stage=%s, version=%d)\n", err, img.Header.StageID, img.Header.Version)
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK: stage=%s version=%d size=%d signatures=%d\n",
		img.Header.StageID, img.Header.Version, img.Header.ImageSize, len(img.Signatures))
	return nil
}
