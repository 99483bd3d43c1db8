package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/desfire/internal/config"
	"github.com/barnettlynn/desfire/pkg/desfire"
)

var (
	authReadFile  int
	authOffset    int
	authLength    int
	authMode      string
	authRealUID   bool
	authDiversify bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate with the configured key and optionally read a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.ValidationFull)
		if err != nil {
			return err
		}
		mode, err := desfire.ParseCryptoMode(cfg.Auth.KeyType)
		if err != nil {
			return err
		}
		comm, err := parseCommMode(authMode)
		if err != nil {
			return err
		}
		key, err := loadKey(cfg.Auth.KeyHexFile, mode)
		if err != nil {
			return err
		}
		defer key.Zeroize()

		s, err := openCard(cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		e := s.engine

		uid, err := e.DetectCard()
		if err != nil {
			return fmt.Errorf("no card: %w", err)
		}
		fmt.Printf("UID: %X\n", uid)

		aid := desfire.PICCAID
		if a := strings.TrimSpace(cfg.Application.AID); a != "" {
			if aid, err = desfire.ParseAID(a); err != nil {
				return err
			}
		}
		if err := e.SelectApplication(aid); err != nil {
			return fmt.Errorf("select %s failed: %w", aid, err)
		}

		if authDiversify {
			sysID, err := hex.DecodeString(strings.TrimSpace(cfg.Diversification.SystemID))
			if err != nil || len(sysID) == 0 {
				return fmt.Errorf("--diversify needs config.diversification.system_id")
			}
			div, err := desfire.DiversifyAES128(key, uid, aid, sysID)
			if err != nil {
				return fmt.Errorf("diversify failed: %w", err)
			}
			defer div.Zeroize()
			key = div
		}

		gen := key.DefaultGeneration()
		if g := strings.TrimSpace(cfg.Auth.Generation); g != "" {
			if gen, err = desfire.ParseGeneration(g); err != nil {
				return err
			}
		}
		keyNo := byte(*cfg.Auth.KeyNo)
		if err := e.AuthenticateWith(keyNo, key, gen); err != nil {
			return fmt.Errorf("authenticate key %d (%s, %s) failed: %w", keyNo, mode, gen, err)
		}
		sess := e.Session()
		fmt.Printf("Authenticated: app %s key %d, %s %s, session %s\n", aid, keyNo, gen, mode, sess.ID())
		if gen == desfire.GenerationEV2 {
			fmt.Printf("  TI: %X\n", sess.TransactionID())
		}

		if err := printKeyVersion(e, keyNo); err != nil {
			return err
		}

		if authRealUID {
			realUID, err := e.GetCardUID()
			if err != nil {
				return fmt.Errorf("GetCardUID failed: %w", err)
			}
			fmt.Printf("  Real UID: %X\n", realUID)
		}

		if authReadFile >= 0 {
			data, err := e.ReadData(byte(authReadFile), authOffset, authLength, comm)
			if err != nil {
				return fmt.Errorf("read file %d failed: %w", authReadFile, err)
			}
			fmt.Printf("File %02X [%d..%d] (%s):\n%s", authReadFile, authOffset, authOffset+len(data), comm, hex.Dump(data))
		}

		e.Deauthenticate()
		return nil
	},
}

func init() {
	authCmd.Flags().IntVar(&authReadFile, "read", -1, "file number to read after authenticating")
	authCmd.Flags().IntVar(&authOffset, "offset", 0, "read offset")
	authCmd.Flags().IntVar(&authLength, "length", 0, "read length (0 reads to end of file)")
	authCmd.Flags().StringVar(&authMode, "mode", "plain", "communication mode for --read: plain, mac or encrypt")
	authCmd.Flags().BoolVar(&authRealUID, "uid", false, "read the real UID with GetCardUID")
	authCmd.Flags().BoolVar(&authDiversify, "diversify", false, "diversify the configured AES key with the card UID (AN10922)")
}

// printKeyVersion reads the version of the authenticated key. A card error
// here also ends the session, so it is not ignored.
func printKeyVersion(e *desfire.Engine, keyNo byte) error {
	v, err := e.GetKeyVersion(keyNo)
	if err != nil {
		return fmt.Errorf("GetKeyVersion %d failed: %w", keyNo, err)
	}
	fmt.Printf("  Key version: 0x%02X\n", v)
	return nil
}

func parseCommMode(s string) (desfire.CommMode, error) {
	switch strings.ToLower(s) {
	case "plain":
		return desfire.CommPlain, nil
	case "mac":
		return desfire.CommMAC, nil
	case "encrypt", "enc", "full":
		return desfire.CommEncrypt, nil
	}
	return 0, fmt.Errorf("unknown communication mode %q (want plain, mac or encrypt)", s)
}
