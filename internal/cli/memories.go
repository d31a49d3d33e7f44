package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/memory"
	"github.com/spf13/cobra"
)

const commandTimeout = 60 * time.Second

var (
	storeType       string
	storeDomain     string
	storeTags       []string
	storeSource     string
	storeImportance float64
	storeConfidence float64
	storeDurability string
	storePinned     bool
)

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a memory",
	Long:  "Store a memory. With no argument or \"-\", content is read from stdin.",
	RunE:  runStore,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var (
	searchLimit   int
	searchDomains []string
	searchTypes   []string
	searchTags    []string
	searchMinImp  float64
	searchExpand  bool
	searchDepth   int
	searchContext string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search memories",
	Long:  "Rank memories by similarity weighted by importance, optionally expanding through relationships.",
	RunE:  runSearch,
}

var similarLimit int

var similarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "List memories similar to a stored one",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimilar,
}

var (
	relatedDepth int
	relatedLimit int
)

var relatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "List graph neighbours of a memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runRelated,
}

var unpin bool

var pinCmd = &cobra.Command{
	Use:   "pin <id>",
	Short: "Pin a memory so it never decays",
	Args:  cobra.ExactArgs(1),
	RunE:  runPin,
}

var feedbackText string

var feedbackCmd = &cobra.Command{
	Use:   "feedback <id>...",
	Short: "Report which retrieved memories the assistant used",
	Long:  "Compare retrieved memories with the assistant's reply. The reply comes from --text or stdin.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFeedback,
}

func init() {
	storeCmd.Flags().StringVarP(&storeType, "type", "t", "", "memory type (episodic, semantic, procedural, working)")
	storeCmd.Flags().StringVarP(&storeDomain, "domain", "d", "", "domain (default general)")
	storeCmd.Flags().StringSliceVar(&storeTags, "tag", nil, "tag, repeatable")
	storeCmd.Flags().StringVar(&storeSource, "source", "", "source (user, assistant, observer)")
	storeCmd.Flags().Float64Var(&storeImportance, "importance", 0.5, "importance in [0, 1]")
	storeCmd.Flags().Float64Var(&storeConfidence, "confidence", 0.8, "confidence in [0, 1]")
	storeCmd.Flags().StringVar(&storeDurability, "durability", "", "durability tier (ephemeral, durable, permanent)")
	storeCmd.Flags().BoolVar(&storePinned, "pinned", false, "exempt from decay")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringSliceVarP(&searchDomains, "domain", "d", nil, "restrict to domain, repeatable")
	searchCmd.Flags().StringSliceVarP(&searchTypes, "type", "t", nil, "restrict to memory type, repeatable")
	searchCmd.Flags().StringSliceVar(&searchTags, "tag", nil, "require any of these tags")
	searchCmd.Flags().Float64Var(&searchMinImp, "min-importance", 0, "minimum importance")
	searchCmd.Flags().BoolVarP(&searchExpand, "expand", "x", false, "expand results through relationships")
	searchCmd.Flags().IntVar(&searchDepth, "depth", 1, "relationship hops when expanding")
	searchCmd.Flags().StringVar(&searchContext, "context", "", "session context used when the query is empty")

	similarCmd.Flags().IntVarP(&similarLimit, "limit", "n", 10, "maximum number of results")

	relatedCmd.Flags().IntVar(&relatedDepth, "depth", 1, "graph hops")
	relatedCmd.Flags().IntVarP(&relatedLimit, "limit", "n", 20, "maximum number of results")

	pinCmd.Flags().BoolVar(&unpin, "unpin", false, "remove the pin instead")

	feedbackCmd.Flags().StringVar(&feedbackText, "text", "", "assistant reply text")
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readInput(args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func runStore(cmd *cobra.Command, args []string) error {
	content, err := readInput(args)
	if err != nil {
		return err
	}
	req := engine.StoreRequest{
		Content:    content,
		Type:       memory.MemoryType(storeType),
		Domain:     storeDomain,
		Tags:       storeTags,
		Source:     memory.Source(storeSource),
		Durability: memory.Durability(storeDurability),
		Pinned:     storePinned,
	}
	if cmd.Flags().Changed("importance") {
		req.Importance = memory.Float(storeImportance)
	}
	if cmd.Flags().Changed("confidence") {
		req.Confidence = memory.Float(storeConfidence)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, created, err := a.engine.Store(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"memory": m, "created": created})
		}
		if created {
			fmt.Printf("stored %s\n", m.ID)
		} else {
			fmt.Printf("already stored as %s\n", m.ID)
		}
		return nil
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.engine.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(m)
		}
		printMemory(m)
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	req := engine.SearchRequest{
		Query:          strings.Join(args, " "),
		SessionContext: searchContext,
		Limit:          searchLimit,
		Filters: memory.Filter{
			Domains:       searchDomains,
			Tags:          searchTags,
			MinImportance: searchMinImp,
		},
		ExpandRelationships: searchExpand,
		MaxDepth:            searchDepth,
	}
	for _, t := range searchTypes {
		req.Filters.Types = append(req.Filters.Types, memory.MemoryType(t))
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		results, err := a.engine.Search(ctx, req)
		if err != nil {
			return err
		}
		return printResults(results)
	})
}

func runSimilar(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		results, err := a.engine.Similar(ctx, args[0], similarLimit)
		if err != nil {
			return err
		}
		return printResults(results)
	})
}

func runRelated(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		related, err := a.engine.Related(ctx, args[0], relatedDepth, relatedLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(related)
		}
		if len(related) == 0 {
			fmt.Println("No related memories.")
			return nil
		}
		for _, r := range related {
			fmt.Printf("[%d hop] %s  %s\n", r.Distance, r.Memory.ID, preview(r.Memory.Content, 100))
		}
		return nil
	})
}

func runPin(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.engine.Pin(ctx, args[0], !unpin); err != nil {
			return err
		}
		if unpin {
			fmt.Printf("unpinned %s\n", args[0])
		} else {
			fmt.Printf("pinned %s\n", args[0])
		}
		return nil
	})
}

func runFeedback(cmd *cobra.Command, args []string) error {
	text := feedbackText
	if text == "" {
		var err error
		if text, err = readInput(nil); err != nil {
			return err
		}
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.ApplyFeedback(ctx, args, text)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("processed %d: %d useful, %d not useful, %d not found, %d links strengthened, %d errors\n",
			res.Processed, res.Useful, res.NotUseful, res.NotFound, res.RelationshipsStrengthened, res.Errors)
		return nil
	})
}

func printResults(results []engine.SearchResult) error {
	if jsonOutput {
		if results == nil {
			results = []engine.SearchResult{}
		}
		return printJSON(results)
	}
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, r := range results {
		via := ""
		if r.GraphDistance > 0 {
			via = fmt.Sprintf(" (via %s, %d hop)", r.Via, r.GraphDistance)
		}
		fmt.Printf("%d. [%.3f] %s%s\n", i+1, r.Score, r.Memory.ID, via)
		fmt.Printf("   %s [%s/%s]\n", preview(r.Memory.Content, 200), r.Memory.Domain, r.Memory.Type)
		fmt.Println()
	}
	return nil
}

func printMemory(m memory.Memory) {
	fmt.Printf("## %s\n\n", m.ID)
	fmt.Println(m.Content)
	fmt.Println()
	fmt.Printf("  type:        %s\n", m.Type)
	fmt.Printf("  domain:      %s\n", m.Domain)
	if len(m.Tags) > 0 {
		fmt.Printf("  tags:        %s\n", strings.Join(m.Tags, ", "))
	}
	fmt.Printf("  importance:  %.3f (initial %.3f)\n", m.Importance, m.InitialImportance)
	fmt.Printf("  stability:   %.3f\n", m.Stability)
	durability := string(m.Durability)
	if durability == "" {
		durability = "unclassified"
	}
	fmt.Printf("  durability:  %s\n", durability)
	fmt.Printf("  pinned:      %v\n", m.Pinned)
	fmt.Printf("  accesses:    %d\n", m.AccessCount)
	if m.SupersededBy != "" {
		fmt.Printf("  superseded:  %s\n", m.SupersededBy)
	}
	fmt.Printf("  created:     %s\n", m.CreatedAt.Format(time.RFC3339))
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
