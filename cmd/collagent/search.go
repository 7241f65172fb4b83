package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jonathan/collagent/internal/config"
	"github.com/jonathan/collagent/internal/job"
	"github.com/jonathan/collagent/internal/report"
	"github.com/jonathan/collagent/internal/session"
	"github.com/jonathan/collagent/internal/store"
	"github.com/jonathan/collagent/internal/types"
)

const partialReportFile = "partial_report.md"

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for research collaborators",
	Long: `Runs one collaborator search and prints the shortlist.

Give an --institution to research a single institution (targeted mode); otherwise
institutions are discovered first (broad mode). Ctrl-C stops the search and, if any
collaborators were found, writes them to partial_report.md.`,
	Example: `  collagent search --profile "ML for chemical process control" --region Europe
  collagent search --profile-file profile.txt --institution MIT --turns 6 --output mit.html`,
	RunE: runSearch,
}

var (
	searchProfile            string
	searchProfileFile        string
	searchFocus              []string
	searchRegion             string
	searchInstitution        string
	searchMode               string
	searchMaxInstitutions    int
	searchTurns              int
	searchTop                int
	searchProvider           string
	searchProcessingProvider string
	searchOutput             string
	searchFull               bool
)

func init() {
	addSearchFlags(searchCmd.Flags())
	searchCmd.MarkFlagsMutuallyExclusive("profile", "profile-file")
	rootCmd.AddCommand(searchCmd)
}

func addSearchFlags(f *pflag.FlagSet) {
	f.StringVarP(&searchProfile, "profile", "p", "", "Research profile text")
	f.StringVar(&searchProfileFile, "profile-file", "", "Read the research profile from a file")
	f.StringSliceVar(&searchFocus, "focus", nil, "Focus areas (comma-separated or repeated)")
	f.StringVar(&searchRegion, "region", "", "Geographic preference for discovery")
	f.StringVarP(&searchInstitution, "institution", "i", "", "Research only this institution")
	f.StringVar(&searchMode, "mode", "", "broad or targeted (inferred from --institution when unset)")
	f.IntVar(&searchMaxInstitutions, "max-institutions", 0, "Institutions to research in broad mode (default from config)")
	f.IntVar(&searchTurns, "turns", 0, "Total search turns (default from config)")
	f.IntVar(&searchTop, "top", 0, "Collaborators to highlight (default from config)")
	f.StringVar(&searchProvider, "search-provider", "", "Registry id of the search provider")
	f.StringVar(&searchProcessingProvider, "processing-provider", "", "Registry id of the processing provider")
	f.StringVarP(&searchOutput, "output", "o", "", "Write the report to a .md, .html or .pdf file")
	f.BoolVar(&searchFull, "full", false, "Print the full Markdown report instead of the table")
}

// jobConfig builds the job from flags, taking unset limits from cfg.
func jobConfig(cmd *cobra.Command, cfg *config.Config) (types.JobConfig, error) {
	text := searchProfile
	if searchProfileFile != "" {
		data, err := os.ReadFile(searchProfileFile)
		if err != nil {
			return types.JobConfig{}, fmt.Errorf("failed to read profile: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return types.JobConfig{}, fmt.Errorf("a research profile is required (--profile or --profile-file)")
	}

	top := cfg.Top
	jc := types.JobConfig{
		Profile: types.ResearchProfile{
			Text:       text,
			FocusAreas: searchFocus,
			Region:     searchRegion,
		},
		Mode:               types.Mode(searchMode),
		Institution:        searchInstitution,
		MaxInstitutions:    cfg.MaxInstitutions,
		TotalTurns:         cfg.MaxTurns,
		TopN:               &top,
		SearchProvider:     searchProvider,
		ProcessingProvider: searchProcessingProvider,
	}
	// Flags override config values only when explicitly set.
	if cmd.Flags().Changed("max-institutions") {
		jc.MaxInstitutions = searchMaxInstitutions
	}
	if cmd.Flags().Changed("turns") {
		jc.TotalTurns = searchTurns
	}
	if cmd.Flags().Changed("top") {
		top = searchTop
	}
	return jc, nil
}

func runSearch(cmd *cobra.Command, _ []string) error {
	jc, err := jobConfig(cmd, appConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := loadRegistry(ctx, appConfig)
	if err != nil {
		return err
	}
	opts := sessionOptions(appConfig, store.NewMemory(0))
	opts.MaxConcurrent = 1
	mgr := newManager(reg, opts)
	defer func() {
		if err := mgr.Shutdown(context.Background()); err != nil {
			logger.Warn("session shutdown failed", zap.Error(err))
		}
	}()

	id, err := mgr.Submit(jc)
	if err != nil {
		return err
	}
	// The subscription outlives ctx so the cancelled job's partial results still arrive.
	events, err := mgr.Subscribe(context.Background(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	progress := newProgress(cmd.ErrOrStderr())
	interrupted := ctx.Done()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			progress.print(ev)
		case <-interrupted:
			interrupted = nil
			progress.note("Interrupted, stopping search...")
			if err := mgr.Cancel(id); err != nil {
				logger.Warn("cancel failed", zap.Error(err))
			}
		}
	}

	if _, err := mgr.Wait(context.Background(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	rep, err := mgr.Report(context.Background(), id)
	if err != nil {
		return err
	}
	return finishSearch(context.Background(), out, rep)
}

// finishSearch prints the outcome and writes any requested report files.
func finishSearch(ctx context.Context, out io.Writer, rep types.Report) error {
	switch job.State(rep.State) {
	case job.StateCompleted:
		if err := printReport(out, rep); err != nil {
			return err
		}
		if searchOutput != "" {
			if err := writeReport(ctx, searchOutput, rep); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nReport written to %s\n", searchOutput)
		}
		return nil

	case job.StateCancelled:
		if len(rep.Shortlist.Collaborators) == 0 {
			return fmt.Errorf("search stopped before any collaborators were found: %s", rep.Error)
		}
		if err := writeReport(ctx, partialReportFile, rep); err != nil {
			return err
		}
		fmt.Fprintf(out, "Search stopped: %d collaborators saved to %s\n", len(rep.Shortlist.Collaborators), partialReportFile)
		return nil

	default:
		return errors.New(rep.Error)
	}
}

func printReport(out io.Writer, rep types.Report) error {
	if searchFull {
		rendered, err := report.Terminal(report.Markdown(rep), 0)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(out, rendered)
		return err
	}
	_, err := fmt.Fprintln(out, report.Table(rep.Shortlist))
	return err
}

// writeReport renders rep in the format named by path's extension.
func writeReport(ctx context.Context, path string, rep types.Report) error {
	var data []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		data = []byte(report.Markdown(rep))
	case ".html", ".htm":
		html, err := report.HTML(rep)
		if err != nil {
			return err
		}
		data = []byte(html)
	case ".pdf":
		html, err := report.HTML(rep)
		if err != nil {
			return err
		}
		if data, err = report.PDF(ctx, html, 0); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported report format %q (use .md, .html or .pdf)", filepath.Ext(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

var (
	phaseStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	foundStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

var phaseTitles = map[job.State]string{
	job.StateDiscovering: "Discovering institutions",
	job.StateResearching: "Researching institutions",
	job.StateExtracting:  "Extracting collaborators",
	job.StateMerging:     "Ranking candidates",
}

// progress renders job events as terminal lines.
type progress struct {
	w io.Writer
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) note(msg string) {
	fmt.Fprintln(p.w, warnStyle.Render(msg))
}

func (p *progress) print(ev job.Event) {
	if line := progressLine(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func progressLine(ev job.Event) string {
	switch ev.Kind {
	case job.EventPhaseStarted:
		title, ok := phaseTitles[ev.Phase]
		if !ok {
			title = string(ev.Phase)
		}
		return phaseStyle.Render("==> " + title)
	case job.EventTurnConsumed:
		return subtleStyle.Render(fmt.Sprintf("    turn %d  %s", ev.Turns, ev.Institution))
	case job.EventInstitutionFound:
		if ev.Found == nil {
			return ""
		}
		return foundStyle.Render(fmt.Sprintf("    + %s %s", ev.Found.Name, report.Stars(ev.Found.Relevance)))
	case job.EventCollaboratorFound:
		if ev.Collaborator == nil {
			return ""
		}
		return foundStyle.Render(fmt.Sprintf("    + %s (%s) %s", ev.Collaborator.Name, ev.Collaborator.Institution, report.Stars(ev.Collaborator.Alignment)))
	case job.EventDiagnostic:
		if ev.Diagnostic == nil || ev.Diagnostic.Kind == types.DiagRetried {
			return ""
		}
		return warnStyle.Render("    ! " + ev.Diagnostic.String())
	case job.EventJobFailed:
		if ev.Error == nil {
			return errorStyle.Render("Search failed")
		}
		return errorStyle.Render("Search failed: " + ev.Error.Message)
	case job.EventJobCancelled:
		return warnStyle.Render("Search stopped")
	case job.EventJobCompleted:
		return phaseStyle.Render(fmt.Sprintf("==> Done in %d turns", ev.Turns))
	default:
		return ""
	}
}
