package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/snapshot"
	"github.com/danieldreier/mcp-recall/internal/storage"
	"github.com/spf13/cobra"
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid problem id %q", arg)
	}
	return id, nil
}

func parseQuality(arg string) (float64, error) {
	q, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || q < 0 || q > 3 {
		return 0, fmt.Errorf("invalid rating %q: use %s", arg, qualityLabels)
	}
	return float64(q), nil
}

func newListCmd(a *app) *cobra.Command {
	var filter storage.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List problems with their progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			problems, err := a.svc.ListProblems(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(problems) == 0 {
				fmt.Fprintln(out(cmd), "No problems match.")
				return nil
			}
			fmt.Fprintln(out(cmd), problemTable(problems))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&filter.Difficulties, "difficulty", "d", nil, "only these difficulties (Easy, Medium, Hard)")
	cmd.Flags().StringVarP(&filter.Category, "category", "c", "", "only this category")
	cmd.Flags().StringVarP(&filter.Status, "status", "s", "", "new, learning, reviewing or all")
	cmd.Flags().StringVar(&filter.Search, "search", "", "title substring")
	cmd.Flags().StringVar(&filter.Set, "set", "", "only this problem set")
	cmd.Flags().BoolVar(&filter.DueOnly, "due", false, "only problems due today")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a problem with its history and interval previews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			d, err := a.svc.GetProblem(cmd.Context(), id)
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("problem %d not found", id)
			}
			printProblemDetail(out(cmd), d)
			return nil
		},
	}
}

func newDueCmd(a *app) *cobra.Command {
	var (
		set    string
		count  bool
		offset int
	)
	cmd := &cobra.Command{
		Use:   "due",
		Short: "Show the problems due in today's session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count {
				n, err := a.svc.GetDueCount(cmd.Context(), set)
				if err != nil {
					return err
				}
				fmt.Fprintln(out(cmd), n)
				return nil
			}
			resp, err := a.svc.GetDueQueue(cmd.Context(), set, offset)
			if err != nil {
				return err
			}
			w := out(cmd)
			switch {
			case resp.DueCount == 0:
				success(w, "No problems due today!")
			case len(resp.Problems) == 0:
				warn(w, "Session complete: %d more due. Run \"recall session more\" to continue.", resp.DueCount)
			default:
				fmt.Fprintf(w, "%d due today, showing %d:\n", resp.DueCount, len(resp.Problems))
				fmt.Fprintln(w, problemTable(resp.Problems))
			}
			printSession(w, resp.Session)
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "only this problem set")
	cmd.Flags().BoolVar(&count, "count", false, "print only the number of due problems")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many due problems")
	return cmd
}

func newNextCmd(a *app) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Show the next problem to review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.GetDueProblem(cmd.Context(), set)
			if err != nil {
				return err
			}
			if resp.Problem == nil {
				fmt.Fprintln(out(cmd), resp.Message)
				return nil
			}
			printProblemDetail(out(cmd), resp.Problem)
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "only this problem set")
	return cmd
}

func newReviewCmd(a *app) *cobra.Command {
	var (
		set  string
		open bool
	)
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review today's due problems interactively",
		Long: `Walk through the problems left in today's session. For each one, solve
it, then rate it 0 (Again), 1 (Hard), 2 (Good) or 3 (Easy). Enter s to skip
a problem and q to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := out(cmd)
			first, err := a.svc.GetDueProblem(ctx, set)
			if err != nil {
				return err
			}
			if first.DueCount == 0 {
				success(w, "No problems due for review today!")
				return nil
			}
			if first.Problem == nil {
				warn(w, "Session complete. Run \"recall session more\" to keep going.")
				return nil
			}

			reader := bufio.NewReader(cmd.InOrStdin())
			skipped := make(map[int64]bool)
			for i := 1; ; i++ {
				d, left, err := nextProblem(ctx, a.svc, set, skipped)
				if err != nil {
					return err
				}
				if d == nil {
					break
				}
				fmt.Fprintf(w, "\n[%d/%d] ", i, i-1+left)
				printProblemDetail(w, d)
				if open && d.LeetCodeURL != "" {
					openBrowser(w, d.LeetCodeURL)
				}

				fmt.Fprint(w, "Rate 0-3 (s skip, q quit): ")
				line, err := reader.ReadString('\n')
				line = strings.TrimSpace(line)
				if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
					fmt.Fprintln(w)
					return nil
				}
				switch line {
				case "q":
					return nil
				case "s", "":
					skipped[d.ID] = true
					continue
				}
				q, err := parseQuality(line)
				if err != nil {
					warn(w, "%v; skipping", err)
					skipped[d.ID] = true
					continue
				}
				r, err := a.svc.SubmitReview(ctx, d.ID, q)
				if err != nil {
					return err
				}
				success(w, "%s: next review %s (in %d days)", r.Quality, r.NextDueDate, r.NewInterval)
			}
			fmt.Fprintln(w)
			resp, err := a.svc.GetDueQueue(ctx, set, 0)
			if err != nil {
				return err
			}
			printSession(w, resp.Session)
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "only this problem set")
	cmd.Flags().BoolVarP(&open, "open", "o", false, "open each problem in the browser")
	return cmd
}

// nextProblem pulls the next due problem, passing over the ones skipped in
// this run. left counts the problems this run can still offer.
func nextProblem(ctx context.Context, svc *RecallService, set string, skipped map[int64]bool) (*ProblemDetail, int, error) {
	resp, err := svc.GetDueProblem(ctx, set)
	if err != nil || resp.Problem == nil {
		return nil, 0, err
	}
	left := min(resp.DueCount-len(skipped), resp.Session.Remaining)
	if !skipped[resp.Problem.ID] {
		return resp.Problem, left, nil
	}
	window, err := svc.GetDueQueue(ctx, set, 0)
	if err != nil {
		return nil, 0, err
	}
	for _, p := range window.Problems {
		if !skipped[p.ID] {
			d, err := svc.GetProblem(ctx, p.ID)
			return d, left, err
		}
	}
	return nil, 0, nil
}

func openBrowser(w io.Writer, url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}
	if err != nil {
		warn(w, "Failed to open browser: %v", err)
	}
}

func newStartCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start learning a problem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.svc.StartProblem(cmd.Context(), id); err != nil {
				return err
			}
			success(out(cmd), "Started problem %d", id)
			return nil
		},
	}
}

func newRateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rate ID RATING",
		Short: "Record a review: " + qualityLabels,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			q, err := parseQuality(args[1])
			if err != nil {
				return err
			}
			r, err := a.svc.SubmitReview(cmd.Context(), id, q)
			if err != nil {
				return err
			}
			w := out(cmd)
			success(w, "%s: next review %s (in %d days)", r.Quality, r.NextDueDate, r.NewInterval)
			printSession(w, r.Session)
			return nil
		},
	}
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show today's review session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.svc.GetDueQueue(cmd.Context(), "", 0)
			if err != nil {
				return err
			}
			printSession(out(cmd), resp.Session)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "more",
		Short: "Allow another session's worth of reviews today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.svc.LoadMore(cmd.Context())
			if err != nil {
				return err
			}
			printSession(out(cmd), s)
			return nil
		},
	}, &cobra.Command{
		Use:   "reset",
		Short: "Restart today's session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.svc.ResetSession(cmd.Context())
			if err != nil {
				return err
			}
			printSession(out(cmd), s)
			return nil
		},
	})
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show progress statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.svc.GetStats(cmd.Context(), set)
			if err != nil {
				return err
			}
			printStats(out(cmd), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "only this problem set")
	return cmd
}

func newCategoriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List problem categories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			categories, err := a.svc.ListCategories(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range categories {
				fmt.Fprintln(out(cmd), c)
			}
			return nil
		},
	}
}

func newPrefCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pref",
		Short: "Read or write preferences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print a preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.svc.GetPreference(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("preference %s is not set", args[0])
			}
			fmt.Fprintln(out(cmd), *v)
			return nil
		},
	}, &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.svc.SetPreference(cmd.Context(), args[0], args[1])
		},
	})
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all progress and review history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete progress without --yes")
			}
			if err := a.svc.ResetAllProgress(cmd.Context()); err != nil {
				return err
			}
			success(out(cmd), "All progress deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all progress")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [FILE]",
		Short: "Export progress as a sync snapshot",
		Long:  "Export reviewed progress and history. Without FILE the snapshot is printed.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.svc.ExportSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return snap.Encode(out(cmd))
			}
			if err := snapshot.WriteFile(args[0], snap); err != nil {
				return err
			}
			success(out(cmd), "Exported %d problems to %s", len(snap.Progress), args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a sync snapshot if it is newer than local progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.ReadFile(args[0])
			if err != nil {
				return err
			}
			resp, err := a.svc.ImportSnapshot(cmd.Context(), snap)
			if err != nil {
				return err
			}
			if resp.Skipped {
				warn(out(cmd), "%s", resp.Message)
				return nil
			}
			success(out(cmd), "Imported %d problems", resp.ImportedCount)
			return nil
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange snapshots through a sync folder",
	}
	cmd.PersistentFlags().StringVar(&folder, "folder", "", "sync folder (default: the sync_folder_path preference)")

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report whether the folder's snapshot is newer than local progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.svc.CheckAutoImport(cmd.Context(), folder)
			if err != nil {
				return err
			}
			w := out(cmd)
			if d.SnapshotDate.IsZero() {
				fmt.Fprintln(w, "No snapshot in the sync folder.")
				return nil
			}
			local := "never"
			if d.LocalMaxDate != nil {
				local = d.LocalMaxDate.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "Snapshot: %s  Local: %s\n", d.SnapshotDate.Local().Format("2006-01-02 15:04:05"), local)
			if d.ShouldImport {
				warn(w, "Snapshot is newer; run \"recall sync import\" to apply it.")
			} else {
				success(w, "Local progress is up to date.")
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "import",
		Short: "Import the folder's snapshot if it is newer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, err := a.svc.syncFolder(cmd.Context(), folder)
			if err != nil {
				return err
			}
			r, err := a.svc.Reconciler.AutoImport(cmd.Context(), folder)
			if err != nil {
				return err
			}
			if r.Skipped {
				fmt.Fprintln(out(cmd), "Nothing to import.")
				return nil
			}
			success(out(cmd), "Imported %d problems", r.Imported)
			return nil
		},
	}, &cobra.Command{
		Use:   "export",
		Short: "Write a snapshot into the folder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.svc.PerformAutoExport(cmd.Context(), folder)
			if err != nil {
				return err
			}
			success(out(cmd), "Exported %d problems to %s", r.ExportedCount, r.Path)
			return nil
		},
	})
	return cmd
}

func newNoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "note ID TEXT...",
		Short: "Set the note on a problem",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.svc.UpdateNote(cmd.Context(), id, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			success(out(cmd), "Note saved for problem %d", id)
			return nil
		},
	}
}

// qualityLabels is the rating legend shown in help text.
var qualityLabels = func() string {
	parts := make([]string, 0, 4)
	for _, q := range sm2.Qualities() {
		parts = append(parts, fmt.Sprintf("%d %s", int(q), q))
	}
	return strings.Join(parts, ", ")
}()
