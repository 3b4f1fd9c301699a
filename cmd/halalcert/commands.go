package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/agent/classification"
	"github.com/normanking/halalcert/internal/agent/extraction"
	"github.com/normanking/halalcert/internal/agent/stages"
	"github.com/normanking/halalcert/internal/orchestrator"
	"github.com/normanking/halalcert/internal/system"
)

// readArg resolves "@path" to the file contents and "-" to stdin.
func readArg(arg string) (string, error) {
	switch {
	case arg == "-":
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		return string(b), err
	}
	return arg, nil
}

func analyzeCmd() *cobra.Command {
	var product string
	cmd := &cobra.Command{
		Use:   "analyze <declaration|@file|->",
		Short: "Classify a product's ingredients",
		Long: `Classify each ingredient and aggregate a product verdict.

The declaration may be a comma-separated list, a label text with an
"Ingredients:" heading, @file to read it from a file or - for stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readArg(strings.Join(args, " "))
			if err != nil {
				return err
			}
			name, _ := extraction.SplitDeclaration(text)
			if product == "" {
				product = name
			}
			ingredients := extraction.ParseIngredients(text)

			return withSystem(cmd.Context(), func(sys *system.System) error {
				res, err := sys.AnalyzeIngredients(cmd.Context(), ingredients, product)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), res, renderClassification)
			})
		},
	}
	cmd.Flags().StringVar(&product, "product", "", "product name")
	return cmd
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <kind> <locator>",
		Short: "Extract an ingredient list from a document",
		Long: `Extract the ingredient list from a document.

Kinds: text (the locator is the text), file (a UTF-8 file under
extraction.file_root) and, when an extraction service is configured,
pdf, image and url.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				doc, err := sys.ProcessDocument(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), doc, renderDocument)
			})
		},
	}
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "List and run workflows",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				return emit(cmd.OutOrStdout(), sys.Workflows(), renderDefinitions)
			})
		},
	})

	var input string
	run := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArg(input)
			if err != nil {
				return err
			}
			var payload any
			if strings.TrimSpace(raw) != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				payload = json.RawMessage(raw)
			}
			return withSystem(cmd.Context(), func(sys *system.System) error {
				exec, err := sys.ExecuteWorkflow(cmd.Context(), args[0], payload)
				if exec == nil {
					return err
				}
				if perr := emit(cmd.OutOrStdout(), exec, renderExecution); perr != nil {
					return perr
				}
				if exec.Status != orchestrator.ExecutionCompleted {
					return fmt.Errorf("workflow %s", exec.Status)
				}
				return nil
			})
		},
	}
	run.Flags().StringVar(&input, "input", "", "workflow input as JSON, @file or -")
	cmd.AddCommand(run)

	return cmd
}

func certificateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "certificate",
		Aliases: []string{"cert"},
		Short:   "Issue and manage certificates",
	}

	var req certificate.Request
	var certType, ingredients string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Issue a certificate",
		Long: `Issue a certificate. With --ingredients the product is classified first
and only an approved product is certified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = certificate.Type(certType)
			return withSystem(cmd.Context(), func(sys *system.System) error {
				if ingredients != "" {
					res, err := sys.AnalyzeIngredients(cmd.Context(), extraction.ParseIngredients(ingredients), req.Product)
					if err != nil {
						return err
					}
					if res.Status != classification.StatusApproved && !jsonOutput {
						renderClassification(cmd.ErrOrStderr(), res)
					}
					req.Classification = res
				}
				rec, err := sys.GenerateCertificate(cmd.Context(), req)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rec, renderCertificate)
			})
		},
	}
	generate.Flags().StringVar(&req.Product, "product", "", "product name")
	generate.Flags().StringVar(&certType, "type", string(certificate.TypeStandard), "certificate type (standard, export, product)")
	generate.Flags().StringVar(&req.OrganizationID, "org", "", "organization id")
	generate.Flags().StringVar(&req.Template, "template", "", "template name")
	generate.Flags().IntVar(&req.ValidityDays, "validity-days", 0, "validity in days (default certificate.validity_days)")
	generate.Flags().StringVar(&ingredients, "ingredients", "", "comma-separated ingredients to classify first")
	_ = generate.MarkFlagRequired("product")
	cmd.AddCommand(generate)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				recs, err := sys.ListCertificates(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), recs, renderCertificates)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				rec, err := sys.GetCertificate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rec, renderCertificate)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <id>",
		Short: "Verify a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				v, err := sys.VerifyCertificate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), v, renderVerification)
			})
		},
	})

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				rec, err := sys.RevokeCertificate(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), rec, renderCertificate)
			})
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "", "revocation reason")
	cmd.AddCommand(revoke)

	cmd.AddCommand(&cobra.Command{
		Use:   "artifact <id>",
		Short: "Print the rendered certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				doc, err := sys.CertificateArtifact(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": args[0], "markdown": string(doc)})
				}
				out, err := renderMarkdown(doc, 80)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "templates",
		Short: "List certificate templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				return emit(cmd.OutOrStdout(), sys.CertificateTemplates(), func(w io.Writer, names []string) {
					for _, n := range names {
						fmt.Fprintln(w, n)
					}
				})
			})
		},
	})

	return cmd
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Inspect and advance certification stages",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "config <org-id>",
		Short: "Show an organization's stage profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd.Context(), func(sys *system.System) error {
				p, err := sys.WorkflowConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), p, renderProfile)
			})
		},
	})

	var current, target string
	advance := &cobra.Command{
		Use:   "advance <org-id> <case-id>",
		Short: "Advance a case to its next stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stages.AdvanceRequest{
				OrgID:        args[0],
				InstanceID:   args[1],
				CurrentStage: stages.StageKey(current),
				Target:       stages.StageKey(target),
			}
			return withSystem(cmd.Context(), func(sys *system.System) error {
				t, err := sys.AdvanceStage(cmd.Context(), req)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), t, renderTransition)
			})
		},
	}
	advance.Flags().StringVar(&current, "from", "", "current stage (default: tracked stage)")
	advance.Flags().StringVar(&target, "to", "", "target stage (default: the first listed successor)")
	cmd.AddCommand(advance)

	return cmd
}
