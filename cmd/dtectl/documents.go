package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func newDocumentsCmd(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Submit documents and inspect their delivery state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every known document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client().show(cmd, http.MethodGet, "/documents", nil)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get DOCUMENT_ID",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().show(cmd, http.MethodGet, "/documents/"+url.PathEscape(args[0]), nil)
		},
	})

	var file string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a document; it is queued when the authority is unavailable",
		Long: `Submit reads a JSON object {"document": {...}, "context": {...}} from --file
("-" for stdin) and posts it to the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readJSONFile(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return client().show(cmd, http.MethodPost, "/documents", body)
		},
	}
	submit.Flags().StringVarP(&file, "file", "f", "-", "request file, - for stdin")
	cmd.AddCommand(submit)
	return cmd
}

func readJSONFile(stdin io.Reader, path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%s is not valid JSON", path)
	}
	return json.RawMessage(raw), nil
}
