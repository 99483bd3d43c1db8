package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/barnettlynn/desfire/internal/config"
	"github.com/barnettlynn/desfire/pkg/desfire"
)

var (
	infoWatch    bool
	infoInterval time.Duration
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print version, memory and application data of the card in the field",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.ValidationReaderOnly)
		if err != nil {
			return err
		}
		s, err := openCard(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		if !infoWatch {
			return printCardInfo(s.engine, cfg)
		}
		return watchCards(cmd.Context(), s.engine, cfg)
	},
}

func init() {
	infoCmd.Flags().BoolVar(&infoWatch, "watch", false, "keep polling and print every new card until interrupted")
	infoCmd.Flags().DurationVar(&infoInterval, "interval", time.Second, "poll interval for --watch")
}

func watchCards(ctx context.Context, e *desfire.Engine, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var last []byte
	ticker := time.NewTicker(infoInterval)
	defer ticker.Stop()
	for {
		uid, err := e.DetectCard()
		switch {
		case err != nil:
			last = nil
		case !bytes.Equal(uid, last):
			last = uid
			if err := printCardInfo(e, cfg); err != nil {
				slog.Warn("card info failed", "uid", fmt.Sprintf("%X", uid), "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printCardInfo(e *desfire.Engine, cfg *config.Config) error {
	uid, err := e.UID()
	if err != nil {
		return fmt.Errorf("no card: %w", err)
	}
	fmt.Printf("UID: %X\n", uid)

	v, err := e.GetVersion()
	if err != nil {
		return fmt.Errorf("GetVersion failed: %w", err)
	}
	fmt.Printf("  Card type:   %s\n", v.CardTypeName())
	fmt.Printf("  Hardware:    vendor 0x%02X type 0x%02X.%02X v%d.%d, %d bytes, protocol 0x%02X\n",
		v.HW.VendorID, v.HW.Type, v.HW.SubType, v.HW.MajorVer, v.HW.MinorVer, v.StorageSize(), v.HW.Protocol)
	fmt.Printf("  Software:    vendor 0x%02X type 0x%02X.%02X v%d.%d\n",
		v.SW.VendorID, v.SW.Type, v.SW.SubType, v.SW.MajorVer, v.SW.MinorVer)
	fmt.Printf("  Batch:       %X\n", v.BatchNo)
	fmt.Printf("  Production:  %s\n", v.ProductionDate())
	if v.Partial {
		fmt.Println("  (short production frame, batch number incomplete)")
	}

	if free, err := e.GetFreeMemory(); err == nil {
		fmt.Printf("  Free memory: %d bytes\n", free)
	} else {
		slog.Debug("GetFreeMemory failed", "error", err)
	}

	aids, err := e.GetApplicationIDs()
	if err != nil {
		// PICC master key settings may forbid listing without auth.
		fmt.Printf("  Applications: unavailable (%s)\n", desfire.StatusOf(err))
	} else {
		names := make([]string, len(aids))
		for i, a := range aids {
			names[i] = a.String()
		}
		fmt.Printf("  Applications: %s\n", strings.Join(names, " "))
	}

	aidHex := strings.TrimSpace(cfg.Application.AID)
	if aidHex == "" {
		return nil
	}
	aid, err := desfire.ParseAID(aidHex)
	if err != nil {
		return err
	}
	if err := e.SelectApplication(aid); err != nil {
		return fmt.Errorf("select %s failed: %w", aid, err)
	}
	fmt.Printf("Application %s\n", aid)
	if ks, err := e.GetKeySettings(); err == nil {
		fmt.Printf("  Key settings: 0x%02X, %d %s keys\n", ks.Settings, ks.MaxKeys, ks.Mode)
	}
	files, err := e.GetFileIDs()
	if err != nil {
		fmt.Printf("  Files: unavailable (%s)\n", desfire.StatusOf(err))
		return nil
	}
	for _, no := range files {
		fs, err := e.GetFileSettings(no)
		if err != nil {
			fmt.Printf("  File %02X: settings unavailable (%s)\n", no, desfire.StatusOf(err))
			continue
		}
		fmt.Printf("  File %02X: type %d, %s, %d bytes, R=%X W=%X RW=%X C=%X\n",
			no, fs.FileType, fs.CommMode, fs.Size, fs.ReadKey(), fs.WriteKey(), fs.ReadWriteKey(), fs.ChangeKey())
	}
	return nil
}
