// cmd/probe.go
package cmd

import (
	"context"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/cdpdriver/internal/driver"
)

// probeResult is what probe prints for a visited page.
type probeResult struct {
	URL     string         `json:"url"`
	Status  int            `json:"status"`
	Title   string         `json:"title"`
	Headers driver.Headers `json:"headers"`
	Windows int            `json:"windows"`
}

func newProbeCmd(a *app) *cobra.Command {
	var (
		compact   bool
		tracePath string
	)

	cmd := &cobra.Command{
		Use:   "probe <url-or-path>",
		Short: "Visits a page and prints its status, title and response headers as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *driver.Session) error {
				var res *probeResult
				run := func() (err error) {
					res, err = probe(ctx, s, args[0])
					return err
				}
				var err error
				if tracePath != "" {
					err = s.Trace(ctx, driver.TracingOptions{Screenshots: true}, tracePath, run)
				} else {
					err = run()
				}
				if err != nil {
					return err
				}

				var out []byte
				if compact {
					out, err = json.Marshal(res)
				} else {
					out, err = json.MarshalIndent(res, "", "  ")
				}
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(out, '\n'))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "print the result on a single line")
	cmd.Flags().StringVar(&tracePath, "trace", "", "record a performance trace of the visit to this file (.zip for an archive)")
	return cmd
}

func probe(ctx context.Context, s *driver.Session, target string) (*probeResult, error) {
	if err := s.Visit(ctx, target); err != nil {
		return nil, err
	}

	res := &probeResult{}
	var err error
	if res.URL, err = s.CurrentURL(ctx); err != nil {
		return nil, err
	}
	if res.Status, err = s.StatusCode(ctx); err != nil {
		return nil, err
	}
	if res.Title, err = s.Title(ctx); err != nil {
		return nil, err
	}
	if res.Headers, err = s.ResponseHeaders(ctx); err != nil {
		return nil, err
	}
	handles, err := s.WindowHandles(ctx)
	if err != nil {
		return nil, err
	}
	res.Windows = len(handles)
	return res, nil
}
