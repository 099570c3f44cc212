package main

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

type rootOptions struct {
	addr    string
	token   string
	timeout time.Duration
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dtectl",
		Short:         "Operate the DTE contingency queue and status tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	addr := os.Getenv("DTECTL_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", addr, "dtesync base URL (env DTECTL_ADDR)")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DTE_ADMIN_TOKEN"), "admin token (env DTE_ADMIN_TOKEN)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	client := func() *apiClient { return newAPIClient(opts.addr, opts.token, opts.timeout) }
	cmd.AddCommand(
		newStatusCmd(client),
		newDocumentsCmd(client),
		newQueueCmd(client),
		newTrackCmd(client),
	)
	return cmd
}

func newStatusCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authority health, contingency mode and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client().show(cmd, http.MethodGet, "/status", nil)
		},
	}
}
