package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/desfire/pkg/desfire"
)

var (
	divMasterFile string
	divUID        string
	divAID        string
	divSystemID   string
)

var diversifyCmd = &cobra.Command{
	Use:   "diversify",
	Short: "Derive a card key from an AES master key (AN10922), offline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := hex.DecodeString(strings.TrimSpace(divUID))
		if err != nil {
			return fmt.Errorf("--uid: %w", err)
		}
		aid, err := desfire.ParseAID(strings.TrimSpace(divAID))
		if err != nil {
			return fmt.Errorf("--aid: %w", err)
		}
		sysID, err := hex.DecodeString(strings.TrimSpace(divSystemID))
		if err != nil {
			return fmt.Errorf("--system-id: %w", err)
		}

		master, err := loadKey(divMasterFile, desfire.ModeAES)
		if err != nil {
			return err
		}
		defer master.Zeroize()

		key, err := desfire.DiversifyAES128(master, uid, aid, sysID)
		if err != nil {
			return err
		}
		defer key.Zeroize()
		fmt.Printf("%X\n", key.Bytes())
		return nil
	},
}

func init() {
	diversifyCmd.Flags().StringVar(&divMasterFile, "master-hex-file", "", "AES master key file (prompted when empty)")
	diversifyCmd.Flags().StringVar(&divUID, "uid", "", "7-byte card UID in hex")
	diversifyCmd.Flags().StringVar(&divAID, "aid", "000000", "application ID in hex")
	diversifyCmd.Flags().StringVar(&divSystemID, "system-id", "", "system identifier in hex (6..21 bytes)")
	_ = diversifyCmd.MarkFlagRequired("uid")
	_ = diversifyCmd.MarkFlagRequired("system-id")
}
