package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

type trackFlags struct {
	documentID     string
	number         string
	docType        string
	generationCode string
	taxID          string
	companyID      string
	environment    string
	interval       string
	timeout        string
	maxRetries     int
}

func (f trackFlags) body() map[string]any {
	body := map[string]any{
		"target": map[string]any{
			"document_id":     f.documentID,
			"document_number": f.number,
			"document_type":   f.docType,
			"generation_code": f.generationCode,
			"context": map[string]any{
				"company_id":  f.companyID,
				"tax_id":      f.taxID,
				"environment": f.environment,
			},
		},
	}
	if f.interval != "" {
		body["polling_interval"] = f.interval
	}
	if f.timeout != "" {
		body["timeout"] = f.timeout
	}
	if f.maxRetries != 0 {
		body["max_retries"] = f.maxRetries
	}
	return body
}

func newTrackCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Inspect and operate the status tracker",
	}

	var f trackFlags
	start := &cobra.Command{
		Use:   "start",
		Short: "Poll the authority for a document until it resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client().show(cmd, http.MethodPost, "/tracking", f.body())
		},
	}
	fl := start.Flags()
	fl.StringVar(&f.documentID, "document", "", "document id")
	fl.StringVar(&f.generationCode, "generation-code", "", "authority generation code")
	fl.StringVar(&f.number, "number", "", "control number")
	fl.StringVar(&f.docType, "type", "01", "DTE type code")
	fl.StringVar(&f.taxID, "tax-id", "", "emitter NIT")
	fl.StringVar(&f.companyID, "company", "", "company id")
	fl.StringVar(&f.environment, "env", "00", "00 test, 01 production")
	fl.StringVar(&f.interval, "interval", "", "polling interval, e.g. 5s")
	fl.StringVar(&f.timeout, "deadline", "", "give up after, e.g. 5m")
	fl.IntVar(&f.maxRetries, "max-retries", 0, "failed polls tolerated (-1 for none, 0 for the server default)")
	_ = start.MarkFlagRequired("document")
	_ = start.MarkFlagRequired("generation-code")
	_ = start.MarkFlagRequired("tax-id")

	cmd.AddCommand(
		start,
		&cobra.Command{
			Use:   "list",
			Short: "List tracked documents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return client().show(cmd, http.MethodGet, "/tracking", nil)
			},
		},
		&cobra.Command{
			Use:   "get DOCUMENT_ID",
			Short: "Show one tracked document",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().show(cmd, http.MethodGet, "/tracking/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "check DOCUMENT_ID",
			Short: "Poll one document now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().show(cmd, http.MethodPost, "/tracking/"+url.PathEscape(args[0])+"/check", nil)
			},
		},
		&cobra.Command{
			Use:   "stop DOCUMENT_ID",
			Short: "Stop polling one document and forget it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client().show(cmd, http.MethodDelete, "/tracking/"+url.PathEscape(args[0]), nil)
			},
		},
		&cobra.Command{
			Use:   "stop-all",
			Short: "Pause every poller; they resume on the next server start",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return client().show(cmd, http.MethodDelete, "/tracking", nil)
			},
		},
	)
	return cmd
}
