package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/jonathan/collagent/internal/registry"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured providers and whether they are available",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadRegistry(cmd.Context(), appConfig)
		if err != nil {
			return err
		}
		printModels(cmd.OutOrStdout(), reg)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

var (
	availableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	absentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func capabilities(e registry.Entry) string {
	caps := make([]string, 0, len(e.Capabilities))
	for _, c := range e.Capabilities {
		caps = append(caps, string(c))
	}
	s := strings.Join(caps, ", ")
	if e.ProcessingOnly {
		s += " (processing only)"
	}
	return s
}

func printModels(w io.Writer, reg *registry.Registry) {
	var rows [][]string
	for _, p := range reg.Providers() {
		id := p.ID
		if p.Default {
			id += " *"
		}
		rows = append(rows, []string{id, p.Name(), string(p.Kind), capabilities(p.Entry), availableStyle.Render("available")})
	}
	for _, a := range reg.AbsentEntries() {
		rows = append(rows, []string{a.Entry.ID, a.Entry.Name(), string(a.Entry.Kind), capabilities(a.Entry), absentStyle.Render("absent: " + a.Reason)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "Name", "Kind", "Capabilities", "Status").
		Rows(rows...)
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, "* default provider")
}
