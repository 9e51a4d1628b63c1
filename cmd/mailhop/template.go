package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
)

var (
	templateKey           string
	templateName          string
	templateCategory      string
	templateStructureFile string
	templateVarsJSON      string
	templateLocale        string
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Template management commands",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all templates",
	RunE:  runTemplateList,
}

var templateCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new template",
	RunE:  runTemplateCreate,
}

var templateShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Show template details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateShow,
}

var templatePreviewCmd = &cobra.Command{
	Use:   "preview <key>",
	Short: "Preview a template with test variables",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplatePreview,
}

var templateDetectVarsCmd = &cobra.Command{
	Use:   "detect-vars",
	Short: "List variables used by a structure file",
	RunE:  runTemplateDetectVars,
}

var templateDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE:  runTemplateDelete,
}

func init() {
	templateCreateCmd.Flags().StringVar(&templateKey, "key", "", "Template key (required)")
	templateCreateCmd.Flags().StringVar(&templateName, "name", "", "Template name (required)")
	templateCreateCmd.Flags().StringVar(&templateCategory, "category", "", "Template category")
	templateCreateCmd.Flags().StringVar(&templateStructureFile, "structure", "", "Path to structure JSON file (required)")

	templatePreviewCmd.Flags().StringVar(&templateVarsJSON, "vars", "{}", "Variables as JSON object")
	templatePreviewCmd.Flags().StringVar(&templateLocale, "locale", "", "Locale to preview")

	templateDetectVarsCmd.Flags().StringVar(&templateStructureFile, "structure", "", "Path to structure JSON file (required)")

	templateCmd.AddCommand(templateListCmd, templateCreateCmd, templateShowCmd,
		templatePreviewCmd, templateDetectVarsCmd, templateDeleteCmd)
	rootCmd.AddCommand(templateCmd)
}

func openTemplateStore() (*template.Store, *store.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return template.NewStore(db.DB), db, nil
}

func readStructureFile(path string) (structure.Value, error) {
	if path == "" {
		return structure.Value{}, fmt.Errorf("--structure is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return structure.Value{}, fmt.Errorf("failed to read structure file: %w", err)
	}
	v, err := structure.Parse(data)
	if err != nil {
		return structure.Value{}, fmt.Errorf("invalid structure JSON: %w", err)
	}
	return v, nil
}

func runTemplateList(cmd *cobra.Command, args []string) error {
	templates, db, err := openTemplateStore()
	if err != nil {
		return err
	}
	defer db.Close()

	list, err := templates.List(context.Background(), template.ListFilter{})
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No templates")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tCATEGORY\tUPDATED")
	for _, tmpl := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tmpl.Key, tmpl.Name, tmpl.Category, tmpl.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runTemplateCreate(cmd *cobra.Command, args []string) error {
	if templateKey == "" {
		return fmt.Errorf("--key is required")
	}
	if templateName == "" {
		return fmt.Errorf("--name is required")
	}

	st, err := readStructureFile(templateStructureFile)
	if err != nil {
		return err
	}

	templates, db, err := openTemplateStore()
	if err != nil {
		return err
	}
	defer db.Close()

	tmpl := &template.Template{
		ID:        uuid.New().String(),
		Key:       templateKey,
		Name:      templateName,
		Category:  templateCategory,
		Structure: st,
	}
	if err := templates.Create(context.Background(), tmpl); err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}

	fmt.Printf("Template %q created (id %s)\n", tmpl.Key, tmpl.ID)
	return nil
}

func runTemplateShow(cmd *cobra.Command, args []string) error {
	templates, db, err := openTemplateStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	tmpl, err := templates.GetByKey(ctx, args[0])
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(tmpl, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	locales, err := templates.ListLocales(ctx, tmpl.ID)
	if err != nil {
		return err
	}
	if len(locales) > 0 {
		fmt.Print("Locales:")
		for _, loc := range locales {
			fmt.Printf(" %s", loc.Locale)
		}
		fmt.Println()
	}
	return nil
}

func runTemplatePreview(cmd *cobra.Command, args []string) error {
	vars, err := structure.Parse([]byte(templateVarsJSON))
	if err != nil {
		return fmt.Errorf("invalid --vars JSON: %w", err)
	}

	templates, db, err := openTemplateStore()
	if err != nil {
		return err
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renderer := template.NewRenderer(template.RendererConfig{}, logger)
	engine := template.NewEngine(templates, renderer, logger)

	result, err := engine.Compose(context.Background(), args[0], templateLocale, vars)
	if err != nil {
		return fmt.Errorf("failed to render preview: %w", err)
	}

	fmt.Printf("Subject: %s\n\n", result.Subject)
	fmt.Println("--- text ---")
	fmt.Println(result.Text)
	fmt.Println("--- html ---")
	fmt.Println(result.HTML)
	return nil
}

func runTemplateDetectVars(cmd *cobra.Command, args []string) error {
	st, err := readStructureFile(templateStructureFile)
	if err != nil {
		return err
	}

	detected := template.DetectVariables(st)
	if len(detected) == 0 {
		fmt.Println("No variables found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFALLBACK")
	for _, v := range detected {
		fmt.Fprintf(w, "%s\t%s\n", v.Name, v.Fallback)
	}
	return w.Flush()
}

func runTemplateDelete(cmd *cobra.Command, args []string) error {
	templates, db, err := openTemplateStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := templates.Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	fmt.Printf("Template %q deleted\n", args[0])
	return nil
}
