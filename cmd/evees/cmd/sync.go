package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systemshift/evees/internal/evees"
	"github.com/systemshift/evees/internal/merge/strategy"
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Print buffered changes not yet flushed",
	Args:  cobra.NoArgs,
	RunE:  runDiff,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Write buffered changes to the remote",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <to> <from>",
	Short: "Merge one perspective into another",
	Long: "Three-way merge of the head of <from> into <to>. With --recursive, " +
		"children are matched by context and merged too.",
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

var exploreCmd = &cobra.Command{
	Use:   "explore [text]",
	Short: "Search perspectives",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExplore,
}

func init() {
	diffCmd.Flags().String("under", "", "only changes on the ecosystem of this perspective")
	diffCmd.Flags().Bool("condensate", false, "condense update chains")
	diffCmd.Flags().Bool("squash", false, "squash condensed commits into one")

	flushCmd.Flags().String("under", "", "only changes on the ecosystem of this perspective")
	flushCmd.Flags().Bool("recurse", false, "also flush changes below --under")

	mergeCmd.Flags().Bool("recursive", false, "merge children matched by context")
	mergeCmd.Flags().Bool("force-owner", false, "fork children found only on <from> into the remote of <to>")
	mergeCmd.Flags().Bool("detach", false, "do not parent merge commits on <from>")
	mergeCmd.Flags().Bool("dry-run", false, "print the resulting changes without applying them")

	exploreCmd.Flags().String("under", "", "only descendants of this perspective")
	exploreCmd.Flags().String("links-to", "", "only perspectives linking to this one")
	exploreCmd.Flags().Bool("forks", false, "include forks of matches")
	exploreCmd.Flags().Int("first", 0, "max results (0 for all)")
	exploreCmd.Flags().Int("offset", 0, "results to skip")
	exploreCmd.Flags().Bool("locate", false, "print the parents of --links-to instead")

	rootCmd.AddCommand(diffCmd, flushCmd, mergeCmd, exploreCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	under, _ := cmd.Flags().GetString("under")
	condensate, _ := cmd.Flags().GetBool("condensate")
	squash, _ := cmd.Flags().GetBool("squash")
	return withStack(func(ctx context.Context, s *stack) error {
		m, err := s.evees.Diff(ctx, &evees.DiffOptions{Under: under, Condensate: condensate || squash, Squash: squash})
		if err != nil {
			return err
		}
		return printJSON(summarize(m))
	})
}

func runFlush(cmd *cobra.Command, args []string) error {
	under, _ := cmd.Flags().GetString("under")
	recurse, _ := cmd.Flags().GetBool("recurse")
	return withStack(func(ctx context.Context, s *stack) error {
		m, err := s.evees.Diff(ctx, &evees.DiffOptions{Under: under})
		if err != nil {
			return err
		}
		if err := s.evees.Flush(ctx, &evees.FlushOptions{Under: under, Recurse: recurse}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Flushed %d perspectives\n", len(m.PerspectiveIDs()))
		return nil
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	recursive, _ := cmd.Flags().GetBool("recursive")
	forceOwner, _ := cmd.Flags().GetBool("force-owner")
	detach, _ := cmd.Flags().GetBool("detach")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	cfg := strategy.Config{Detach: detach, ForceOwner: forceOwner}

	return withStack(func(ctx context.Context, s *stack) error {
		m := s.merger(recursive)
		if dryRun {
			delta, err := m.MergePerspectivesExternal(ctx, args[0], args[1], cfg)
			if err != nil {
				return err
			}
			return printJSON(summarize(delta))
		}
		changed, err := m.MergePerspectives(ctx, args[0], args[1], cfg)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintln(os.Stderr, "Already up to date")
		}
		return nil
	})
}

func runExplore(cmd *cobra.Command, args []string) error {
	opts := &evees.SearchOptions{}
	opts.Under, _ = cmd.Flags().GetString("under")
	opts.LinksTo, _ = cmd.Flags().GetString("links-to")
	opts.Forks, _ = cmd.Flags().GetBool("forks")
	opts.First, _ = cmd.Flags().GetInt("first")
	opts.Offset, _ = cmd.Flags().GetInt("offset")
	locate, _ := cmd.Flags().GetBool("locate")
	if len(args) > 0 {
		opts.Text = args[0]
	}

	return withStack(func(ctx context.Context, s *stack) error {
		if locate {
			if opts.LinksTo == "" {
				return fmt.Errorf("--locate needs --links-to")
			}
			parents, err := s.evees.SearchEngine().Locate(ctx, opts.LinksTo, opts.Forks)
			if err != nil {
				return err
			}
			for _, p := range parents {
				fmt.Printf("%s -> %s\n", p.ParentID, p.ChildID)
			}
			return nil
		}
		res, err := s.evees.Explore(ctx, opts)
		if err != nil {
			return err
		}
		for _, id := range res.PerspectiveIDs {
			fmt.Println(id)
		}
		if !res.Ended {
			fmt.Fprintln(os.Stderr, "(more results)")
		}
		return nil
	})
}
