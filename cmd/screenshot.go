// cmd/screenshot.go
package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cdpdriver/internal/driver"
	"github.com/xkilldash9x/cdpdriver/internal/observability"
)

func newScreenshotCmd(a *app) *cobra.Command {
	var width, height int

	cmd := &cobra.Command{
		Use:   "screenshot <url-or-path> <file>",
		Short: "Visits a page and saves a PNG screenshot of it",
		Long: "Visits a page and saves a PNG screenshot of it. A relative file name\n" +
			"is placed under the configured save path.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[1]
			if !filepath.IsAbs(path) {
				path = filepath.Join(a.cfg.Driver().SavePath, path)
			}

			return a.withSession(cmd, func(ctx context.Context, s *driver.Session) error {
				if width > 0 || height > 0 {
					handle, err := s.CurrentWindowHandle(ctx)
					if err != nil {
						return err
					}
					if err := s.ResizeWindowTo(ctx, handle, width, height); err != nil {
						return err
					}
				}
				if err := s.Visit(ctx, args[0]); err != nil {
					return err
				}
				if err := s.SaveScreenshot(ctx, path); err != nil {
					return err
				}
				observability.GetLogger().Info("Screenshot saved.", zap.String("path", path))
				_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&width, "width", 0, "viewport width in CSS pixels")
	cmd.Flags().IntVar(&height, "height", 0, "viewport height in CSS pixels")
	return cmd
}
