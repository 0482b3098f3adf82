package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systemshift/evees/internal/evees"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a perspective",
	Long:  "Create a perspective on the local remote with a first commit, optionally as a child of another perspective.",
	Args:  cobra.NoArgs,
	RunE:  runCreate,
}

var updateCmd = &cobra.Command{
	Use:   "update <perspective>",
	Short: "Commit new data to a perspective",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

var getCmd = &cobra.Command{
	Use:   "get <perspective>",
	Short: "Print details and head data of a perspective",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var logCmd = &cobra.Command{
	Use:   "log <perspective>",
	Short: "Print the commit history of a perspective",
	Long:  "Print the first-parent commit history, or with --heads every head the local remote recorded.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLog,
}

var forkCmd = &cobra.Command{
	Use:   "fork <perspective>",
	Short: "Fork a perspective",
	Args:  cobra.ExactArgs(1),
	RunE:  runFork,
}

var catCmd = &cobra.Command{
	Use:   "cat <hash>",
	Short: "Print an entity by hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <perspective>",
	Short: "Delete a perspective",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var rmCmd = &cobra.Command{
	Use:   "rm <hash>...",
	Short: "Remove entities from their remote",
	Long:  "Remove entities from the remote that stores them. Entities still held by the buffer are refused.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

func init() {
	createCmd.Flags().String("text", "", "text of the new node")
	createCmd.Flags().String("json", "", "data as JSON, or @file")
	createCmd.Flags().String("parent", "", "parent perspective")
	createCmd.Flags().Int("index", -1, "position among the parent's children (-1 appends)")
	createCmd.Flags().Bool("empty", false, "create without a head")

	updateCmd.Flags().String("text", "", "new text")
	updateCmd.Flags().String("json", "", "new data as JSON, or @file")
	updateCmd.Flags().StringP("message", "m", "", "commit message")

	getCmd.Flags().Int("levels", 0, "descendant levels to include (-1 for all)")

	logCmd.Flags().IntP("max-count", "n", 0, "max commits (0 for all)")
	logCmd.Flags().Bool("heads", false, "print recorded head changes instead")

	forkCmd.Flags().Bool("recursive", false, "fork children too")
	forkCmd.Flags().String("guardian", "", "guardian of the fork")

	rootCmd.AddCommand(createCmd, updateCmd, getCmd, logCmd, forkCmd, catCmd, deleteCmd, rmCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("text")
	raw, _ := cmd.Flags().GetString("json")
	parent, _ := cmd.Flags().GetString("parent")
	index, _ := cmd.Flags().GetInt("index")
	empty, _ := cmd.Flags().GetBool("empty")

	var object interface{}
	if !empty {
		var err error
		if object, err = parseObject(text, raw); err != nil {
			return err
		}
	}
	return withStack(func(ctx context.Context, s *stack) error {
		id, err := s.evees.CreateEvee(ctx, evees.CreateEveeOptions{
			Object:        object,
			ParentID:      parent,
			IndexInParent: index,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("text")
	raw, _ := cmd.Flags().GetString("json")
	message, _ := cmd.Flags().GetString("message")
	object, err := parseObject(text, raw)
	if err != nil {
		return err
	}
	return withStack(func(ctx context.Context, s *stack) error {
		return s.evees.UpdatePerspectiveData(ctx, evees.UpdateDataOptions{
			PerspectiveID: args[0],
			Object:        object,
			Message:       message,
		})
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	levels, _ := cmd.Flags().GetInt("levels")
	return withStack(func(ctx context.Context, s *stack) error {
		res, err := s.evees.GetPerspective(ctx, args[0], &evees.GetPerspectiveOptions{Levels: levels})
		if err != nil {
			return err
		}
		out := struct {
			ID      string          `json:"id"`
			Details evees.Details   `json:"details"`
			Data    json.RawMessage `json:"data,omitempty"`
			Slice   *evees.Slice    `json:"slice,omitempty"`
		}{ID: args[0], Details: res.Details}
		if levels != 0 {
			out.Slice = res.Slice
		}
		d, err := s.evees.TryGetPerspectiveData(ctx, args[0])
		if err != nil {
			return err
		}
		if d != nil {
			out.Data = d.Data.Object
		}
		return printJSON(out)
	})
}

func runLog(cmd *cobra.Command, args []string) error {
	n, _ := cmd.Flags().GetInt("max-count")
	heads, _ := cmd.Flags().GetBool("heads")
	return withStack(func(ctx context.Context, s *stack) error {
		if heads {
			changes, err := s.local.History(args[0])
			if err != nil {
				return err
			}
			for _, c := range changes {
				fmt.Printf("%s %s\n", time.UnixMilli(c.Time).Format(time.RFC3339), c.HeadID)
			}
			return nil
		}
		entries, err := s.evees.Log(ctx, args[0], n)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("commit %s\n", e.Hash)
			if len(e.Commit.ParentsIDs) > 1 {
				fmt.Printf("Merge:  %v\n", e.Commit.ParentsIDs)
			}
			if e.Commit.Forking != "" {
				fmt.Printf("Fork:   %s\n", e.Commit.Forking)
			}
			fmt.Printf("Date:   %s\n", time.UnixMilli(e.Commit.Timestamp).Format(time.RFC3339))
			if e.Proof.Signature != "" {
				fmt.Printf("Signed: %s\n", e.Proof.Type)
			}
			fmt.Printf("\n    %s\n\n", e.Commit.Message)
		}
		return nil
	})
}

func runFork(cmd *cobra.Command, args []string) error {
	recursive, _ := cmd.Flags().GetBool("recursive")
	guardian, _ := cmd.Flags().GetString("guardian")
	return withStack(func(ctx context.Context, s *stack) error {
		id, err := s.evees.ForkPerspective(ctx, args[0], evees.ForkOptions{
			GuardianID: guardian,
			Recursive:  recursive,
		})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, s *stack) error {
		return s.evees.DeletePerspective(ctx, args[0])
	})
}

func runCat(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, s *stack) error {
		e, err := s.evees.GetData(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(json.RawMessage(e.Object))
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	return withStack(func(ctx context.Context, s *stack) error {
		return removeEntities(ctx, s, args)
	})
}

// removeEntities resolves each hash so its owning remote is known, then
// removes it.
func removeEntities(ctx context.Context, s *stack, hashes []string) error {
	for _, h := range hashes {
		if _, err := s.resolver.GetEntity(ctx, h); err != nil {
			return err
		}
		if err := s.resolver.Remove(ctx, h); err != nil {
			return err
		}
		s.logger.WithField("hash", h).Info("removed entity")
	}
	return nil
}
