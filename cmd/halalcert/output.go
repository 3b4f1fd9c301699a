package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/orchestrator"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// statusStyle colors a classification, certificate or execution status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(classification.StatusApproved), string(certificate.StatusActive),
		string(orchestrator.ExecutionCompleted), "valid":
		return okStyle
	case string(classification.StatusProhibited), string(certificate.StatusRevoked),
		string(certificate.StatusExpired), string(orchestrator.ExecutionFailed), "invalid":
		return errorStyle
	}
	return warnStyle
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON when --json is set and with render otherwise.
func emit[T any](w io.Writer, v T, render func(io.Writer, T)) error {
	if jsonOutput {
		return printJSON(w, v)
	}
	render(w, v)
	return nil
}

func field(w io.Writer, label, value string) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(label), value)
}

func renderClassification(w io.Writer, r *classification.Result) {
	name := r.ProductName
	if name == "" {
		name = "Product"
	}
	fmt.Fprintln(w, titleStyle.Render(name))
	field(w, "Status", statusStyle(string(r.Status)).Render(string(r.Status)))
	field(w, "Confidence", fmt.Sprintf("%d%%", r.Confidence))
	fmt.Fprintln(w)
	for _, rec := range r.Ingredients {
		line := fmt.Sprintf("  %-28s %s", rec.RawName, statusStyle(string(rec.Status)).Render(string(rec.Status)))
		if rec.Rationale != "" {
			line += dimStyle.Render("  " + rec.Rationale)
		}
		fmt.Fprintln(w, line)
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warning := range r.Warnings {
			fmt.Fprintln(w, warnStyle.Render("! ")+warning)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w)
		for _, rec := range r.Recommendations {
			fmt.Fprintln(w, dimStyle.Render("→ ")+rec)
		}
	}
}

func renderDocument(w io.Writer, d *extraction.Document) {
	fmt.Fprintln(w, titleStyle.Render("Extracted Document"))
	if d.ProductName != "" {
		field(w, "Product", d.ProductName)
	}
	field(w, "Kind", d.Kind)
	field(w, "Ingredients", fmt.Sprintf("%d", len(d.Ingredients)))
	for i, ing := range d.Ingredients {
		fmt.Fprintf(w, "  %2d. %s\n", i+1, ing)
	}
}

func renderCertificate(w io.Writer, r *certificate.Record) {
	fmt.Fprintln(w, titleStyle.Render("Certificate "+r.Number))
	field(w, "ID", r.ID)
	field(w, "Status", statusStyle(string(r.Status)).Render(string(r.Status)))
	field(w, "Type", string(r.Type))
	field(w, "Product", r.Product)
	if r.OrganizationID != "" {
		field(w, "Organization", r.OrganizationID)
	}
	field(w, "Valid", fmt.Sprintf("%s to %s", r.ValidFrom.Format("2006-01-02"), r.ValidUntil.Format("2006-01-02")))
	if r.RevokedAt != nil {
		field(w, "Revoked", fmt.Sprintf("%s (%s)", r.RevokedAt.Format("2006-01-02"), r.RevocationReason))
	}
	if r.Signature != nil {
		field(w, "Key", dimStyle.Render(r.Signature.KeyID))
	}
}

func renderCertificates(w io.Writer, records []*certificate.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No certificates issued."))
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "%-16s %-10s %-9s %s\n", r.Number, statusStyle(string(r.Status)).Render(string(r.Status)), r.Type, r.Product)
	}
}

func renderVerification(w io.Writer, v *certificate.Verification) {
	state := "valid"
	if !v.Valid {
		state = "invalid"
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(v.ID), statusStyle(state).Render(state))
	for _, reason := range v.Reasons {
		fmt.Fprintln(w, "  "+warnStyle.Render(reason))
	}
	if v.Record != nil {
		fmt.Fprintln(w)
		renderCertificate(w, v.Record)
	}
}

func renderExecution(w io.Writer, e *orchestrator.Execution) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s (%s)", e.DefinitionID, e.ID)))
	field(w, "Status", statusStyle(string(e.Status)).Render(string(e.Status)))
	for _, st := range e.Steps {
		line := fmt.Sprintf("  %-12s %-14s %-10s", st.Name, st.Capability, st.Status)
		if st.Attempts > 1 {
			line += dimStyle.Render(fmt.Sprintf(" %d attempts", st.Attempts))
		}
		if st.Error != "" {
			line += " " + errorStyle.Render(st.Error)
		}
		fmt.Fprintln(w, line)
	}
	if e.Error != "" {
		field(w, "Error", errorStyle.Render(e.Error))
	}
	if r, ok := e.Output.(*certificate.Record); ok {
		fmt.Fprintln(w)
		renderCertificate(w, r)
	}
}

func renderDefinitions(w io.Writer, defs []*orchestrator.Definition) {
	for _, d := range defs {
		names := make([]string, len(d.Steps))
		for i, st := range d.Steps {
			names[i] = st.Name
		}
		fmt.Fprintf(w, "%s  %s\n", titleStyle.Render(d.ID), dimStyle.Render(strings.Join(names, " → ")))
		if d.Description != "" {
			fmt.Fprintln(w, "  "+d.Description)
		}
	}
}

func renderProfile(w io.Writer, p *stages.Profile) {
	fmt.Fprintln(w, titleStyle.Render(p.Name))
	for _, st := range p.Stages {
		next := p.Transitions[st.Key]
		keys := make([]string, len(next))
		for i, k := range next {
			keys[i] = string(k)
		}
		line := fmt.Sprintf("  %-20s %s", st.Key, st.Display)
		if st.Terminal {
			line += dimStyle.Render(" (terminal)")
		} else if len(keys) > 0 {
			line += dimStyle.Render(" → " + strings.Join(keys, ", "))
		}
		fmt.Fprintln(w, line)
	}
}

func renderTransition(w io.Writer, t *stages.Transition) {
	fmt.Fprintf(w, "%s → %s\n", t.FromDisplay, okStyle.Render(t.ToDisplay))
	if t.Terminal {
		fmt.Fprintln(w, dimStyle.Render("Case reached a terminal stage."))
	}
}

// renderMarkdown formats a certificate artifact for the terminal.
func renderMarkdown(md []byte, width int) (string, error) {
	if noColor {
		return string(md), nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(string(md))
}
