package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/resources"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Serve resources to a driver",
}

var providerStartCmd = &cobra.Command{
	Use:   "start DIR",
	Short: "Serve the files of a directory as resources",
	Long: `Connect to a driver's resource port as a provider. Lookups the driver
cannot answer from its cache are forwarded here and answered with the file
of the same name under DIR.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		root, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("driver")
		retry, _ := cmd.Flags().GetDuration("retry")
		id := uuid.New().String()
		logger := log.WithComponent("provider")

		fmt.Printf("Serving %s to %s\n", root, addr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		for {
			err := resources.Provide(ctx, addr, id, dirLookup(root))
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Dur("retry_in", retry).Msg("Provider connection lost")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry):
			}
		}
	},
}

// dirLookup resolves resource names to files under root. Names escaping
// root are not found.
func dirLookup(root string) resources.Lookup {
	logger := log.WithComponent("provider")
	return func(name string) ([]byte, bool) {
		path := filepath.Join(root, filepath.FromSlash(name))
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return nil, false
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn().Err(err).Str("resource", name).Msg("Failed to read resource")
			}
			return nil, false
		}
		logger.Debug().Str("resource", name).Str("size", humanize.IBytes(uint64(len(data)))).Msg("Resource served")
		return data, true
	}
}

func init() {
	providerCmd.AddCommand(providerStartCmd)

	providerStartCmd.Flags().String("driver", "127.0.0.1:11113", "Driver resource address")
	providerStartCmd.Flags().Duration("retry", 2*time.Second, "Delay between connection attempts")
}
