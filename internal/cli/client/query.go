package client

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// Block is one ranked context block.
type Block struct {
	DocumentID    string            `json:"document_id"`
	ChunkIDs      []string          `json:"chunk_ids"`
	SequenceStart int               `json:"sequence_start"`
	SequenceEnd   int               `json:"sequence_end"`
	Text          string            `json:"text"`
	TokenCount    int               `json:"token_count"`
	Score         float32           `json:"score"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type QueryResponse struct {
	Results    []Block  `json:"results"`
	Provenance []string `json:"provenance"`
	Cached     bool     `json:"cached"`
}

type AnswerResponse struct {
	Answer     string   `json:"answer"`
	Results    []Block  `json:"results"`
	Provenance []string `json:"provenance"`
	Cached     bool     `json:"cached"`
}

type queryFilters struct {
	DocumentIDs []string          `json:"document_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type queryRequest struct {
	QueryText string        `json:"query_text"`
	K         int           `json:"k"`
	Filters   *queryFilters `json:"filters,omitempty"`
}

type queryFlags struct {
	k        int
	docs     []string
	metadata map[string]string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.k, "k", "k", 5, "Number of context blocks")
	cmd.Flags().StringSliceVarP(&f.docs, "doc", "d", nil, "Restrict to document ids")
	cmd.Flags().StringToStringVarP(&f.metadata, "meta", "m", nil, "Restrict to metadata key=value pairs")
}

func (f *queryFlags) request(args []string) queryRequest {
	req := queryRequest{QueryText: strings.Join(args, " "), K: f.k}
	if len(f.docs) > 0 || len(f.metadata) > 0 {
		req.Filters = &queryFilters{DocumentIDs: f.docs, Metadata: f.metadata}
	}
	return req
}

func QueryCmd() *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Retrieve ranked context for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			var resp QueryResponse
			if err := api.Decode(cmd.Context(), http.MethodPost, "/v1/query", flags.request(args), &resp); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				printJSON(resp)
				return nil
			}
			printBlocks(resp.Results, resp.Cached)
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func AskCmd() *cobra.Command {
	var flags queryFlags

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			var resp AnswerResponse
			if err := api.Decode(cmd.Context(), http.MethodPost, "/v1/answer", flags.request(args), &resp); err != nil {
				return fmt.Errorf("ask failed: %w", err)
			}
			if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
				printJSON(resp)
				return nil
			}
			fmt.Println(resp.Answer)
			if len(resp.Provenance) > 0 {
				fmt.Printf("\nSources: %s\n", strings.Join(resp.Provenance, ", "))
			}
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func printBlocks(blocks []Block, cached bool) {
	if len(blocks) == 0 {
		fmt.Println("No results found.")
		return
	}
	suffix := ""
	if cached {
		suffix = " (cached)"
	}
	fmt.Printf("Found %d results%s:\n\n", len(blocks), suffix)
	for i, b := range blocks {
		fmt.Printf("%d. %s chunks %d-%d (%.3f)\n", i+1, b.DocumentID, b.SequenceStart, b.SequenceEnd, b.Score)
		text := strings.Join(strings.Fields(b.Text), " ")
		if len(text) > 200 {
			text = text[:197] + "..."
		}
		fmt.Printf("   %s\n", text)
		if i < len(blocks)-1 {
			fmt.Println(strings.Repeat("-", 40))
		}
	}
}
