package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Document mirrors the API document status.
type Document struct {
	ID            string            `json:"id"`
	SourceURI     string            `json:"source_uri"`
	Status        string            `json:"status"`
	ContentHash   string            `json:"content_hash,omitempty"`
	Version       int64             `json:"version"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailureCode   string            `json:"failure_code,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// Settled reports whether ingestion has finished one way or the other.
func (d *Document) Settled() bool {
	return d.Status == "indexed" || d.Status == "failed"
}

type submitRequest struct {
	SourceURI  string            `json:"source_uri,omitempty"`
	Text       string            `json:"text,omitempty"`
	DocumentID string            `json:"document_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func IngestCmd() *cobra.Command {
	var (
		id       string
		metadata map[string]string
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <source-uri>",
		Short: "Submit a document for ingestion",
		Long: `Submit a document by URI. Supported schemes depend on the server: file://, http(s):// and s3://.

Examples:
  docrag ingest https://example.com/handbook.pdf --meta team=hr
  docrag ingest s3://docs/guide.md --id guide --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, "/v1/documents", submitRequest{SourceURI: args[0], DocumentID: id, Metadata: metadata}, wait)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Document id (generated when empty)")
	cmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "Metadata key=value pairs")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the document is indexed or failed")

	return cmd
}

func IngestTextCmd() *cobra.Command {
	var (
		id       string
		metadata map[string]string
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "ingest-text [file]",
		Short: "Submit inline text for ingestion",
		Long:  "Upload text from a file, or from stdin when no file or '-' is given, and ingest it.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return submit(cmd, "/v1/documents/text", submitRequest{Text: text, DocumentID: id, Metadata: metadata}, wait)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Document id (generated when empty)")
	cmd.Flags().StringToStringVarP(&metadata, "meta", "m", nil, "Metadata key=value pairs")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the document is indexed or failed")

	return cmd
}

func readInput(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(data), nil
}

func submit(cmd *cobra.Command, path string, req submitRequest, wait bool) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	var doc Document
	if err := api.Decode(ctx, http.MethodPost, path, req, &doc); err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}
	if wait {
		settled, err := waitForDocument(ctx, api, doc.ID, time.Second)
		if err != nil {
			return err
		}
		doc = *settled
	}
	return printDocument(cmd, &doc)
}

func waitForDocument(ctx context.Context, api *APIClient, id string, every time.Duration) (*Document, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var doc Document
		if err := api.Decode(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id), nil, &doc); err != nil {
			return nil, err
		}
		if doc.Settled() {
			return &doc, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printDocument(cmd *cobra.Command, doc *Document) error {
	if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
		printJSON(doc)
		return nil
	}
	fmt.Printf("%s  %s\n", doc.ID, doc.Status)
	fmt.Printf("  source:  %s\n", doc.SourceURI)
	if doc.Version > 0 {
		fmt.Printf("  version: %d\n", doc.Version)
	}
	if doc.FailureCode != "" {
		fmt.Printf("  failure: %s %s\n", doc.FailureCode, doc.FailureReason)
	}
	return nil
}

func StatusCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show ingestion status of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			var doc *Document
			if wait {
				doc, err = waitForDocument(cmd.Context(), api, args[0], time.Second)
			} else {
				doc = &Document{}
				err = api.Decode(cmd.Context(), http.MethodGet, "/v1/documents/"+url.PathEscape(args[0]), nil, doc)
			}
			if err != nil {
				return err
			}
			return printDocument(cmd, doc)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait until the document is indexed or failed")

	return cmd
}

type DocumentPage struct {
	Items   []Document `json:"items"`
	Cursor  string     `json:"cursor,omitempty"`
	HasMore bool       `json:"has_more"`
}

func ListCmd() *cobra.Command {
	var (
		status string
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}

			var page DocumentPage
			if err := api.Decode(cmd.Context(), http.MethodGet, "/v1/documents?"+q.Encode(), nil, &page); err != nil {
				return fmt.Errorf("list failed: %w", err)
			}

			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				printJSON(page)
				return nil
			}
			if len(page.Items) == 0 {
				fmt.Println("No documents found.")
				return nil
			}
			fmt.Printf("%-38s %-10s %-8s %s\n", "ID", "STATUS", "VERSION", "SOURCE")
			for _, d := range page.Items {
				fmt.Printf("%-38s %-10s %-8d %s\n", d.ID, d.Status, d.Version, d.SourceURI)
			}
			if page.HasMore {
				fmt.Printf("\nMore documents available. Use --cursor %s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, processing, indexed, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of documents")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")

	return cmd
}

func DeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			if _, err := api.Delete(cmd.Context(), "/v1/documents/"+url.PathEscape(args[0])); err != nil {
				return fmt.Errorf("delete failed: %w", err)
			}
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				printJSON(map[string]string{"id": args[0], "status": "deleted"})
				return nil
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
