// Command anonymizer detects and redacts personally identifiable information.
//
// Without a subcommand it runs the HTTP service (see "serve"). The detect,
// anonymize and patterns subcommands work offline on a file or stdin and
// print JSON.
//
// Usage:
//
//	# Service on the default ports, pattern tiers only
//	./anonymizer
//
//	# Service backed by an NER sidecar
//	RECOGNIZER=sidecar SIDECAR_URL=http://127.0.0.1:8090 ./anonymizer serve
//
//	# One-shot redaction
//	echo "Call Jane at 555-123-4567" | ./anonymizer anonymize -p Client_1
//
//	# Coverage table for auditors
//	./anonymizer patterns
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/management"
	"pii-anonymizer/internal/server"
)

var (
	configPath     string
	recognizerName string
	pseudonym      string
	jsonDocument   bool
	asJSON         bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "anonymizer",
		Short: "Detect and redact personally identifiable information",
		Long: `anonymizer finds personally identifiable information in free text and
replaces it with generic tokens such as [redacted name] or [redacted phone].

Detection runs a declarative pattern table for structured identifiers and,
when configured, a statistical recognizer (NER sidecar, Ollama or a local
ONNX model) for names and places. When the recognizer is down the service
keeps running on patterns alone and reports mode "fallback".

After every redaction the output is checked for surviving original values;
a failed check returns an error and no text.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default anonymizer.yaml)")
	rootCmd.PersistentFlags().StringVar(&recognizerName, "recognizer", "", "recognizer backend: none|sidecar|ollama|onnx")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service and the management API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	detectCmd := &cobra.Command{
		Use:   "detect [file]",
		Short: "Print the entities found in a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDetect,
	}
	detectCmd.Flags().StringVarP(&pseudonym, "pseudonym", "p", "", "pseudonym to leave untouched")

	anonymizeCmd := &cobra.Command{
		Use:   "anonymize [file]",
		Short: "Redact a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnonymize,
	}
	anonymizeCmd.Flags().StringVarP(&pseudonym, "pseudonym", "p", "", "replace person names with this pseudonym")
	anonymizeCmd.Flags().BoolVar(&jsonDocument, "json-document", false, "input is a JSON document; redact every string leaf")

	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Print the pattern coverage table",
		Args:  cobra.NoArgs,
		RunE:  runPatterns,
	}
	patternsCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	rootCmd.AddCommand(serveCmd, detectCmd, anonymizeCmd, patternsCmd)
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		os.Setenv("ANONYMIZER_CONFIG", configPath) //nolint:errcheck // cannot fail for a valid key
	}
	cfg := config.Load()
	if recognizerName != "" {
		cfg.Recognizer = recognizerName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New("main", cfg.LogLevel)

	p, err := buildPipeline(cfg, log, true)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck // shutdown path

	printBanner(cmd.OutOrStdout(), cfg, p.adapter.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ManagementPort != 0 {
		mgmt := management.New(cfg, p.anon, management.Options{
			Vocabulary: p.vocab,
			Metrics:    p.metrics,
			Audit:      p.audit,
			Logger:     log.Module("management"),
		})
		go func() {
			// The service should not run without its control plane.
			if err := mgmt.ListenAndServe(ctx); err != nil {
				log.Fatalf("management", "fatal: %v", err)
			}
		}()
	}

	srv := server.New(p.anon, server.Options{
		BindAddress: cfg.BindAddress,
		Port:        cfg.Port,
		Token:       cfg.ServiceToken,
		Logger:      log.Module("server"),
	})
	return srv.ListenAndServe(ctx)
}

// readInput reads the named file, or stdin when args is empty or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

func oneShot(cmd *cobra.Command, args []string) (*pipeline, []byte, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	input, err := readInput(cmd, args)
	if err != nil {
		return nil, nil, err
	}
	p, err := buildPipeline(cfg, logger.NewWithWriter("cli", cfg.LogLevel, cmd.ErrOrStderr()), false)
	if err != nil {
		return nil, nil, err
	}
	return p, input, nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	p, input, err := oneShot(cmd, args)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck // one-shot command

	res, err := p.anon.Detect(cmd.Context(), "cli", string(input), pseudonym)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runAnonymize(cmd *cobra.Command, args []string) error {
	p, input, err := oneShot(cmd, args)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck // one-shot command

	if jsonDocument {
		res, err := p.anon.AnonymizeJSON(cmd.Context(), "cli", input, pseudonym)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.Document)
		return err
	}
	res, err := p.anon.Anonymize(cmd.Context(), "cli", string(input), pseudonym)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runPatterns(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := buildPipeline(cfg, logger.Discard(), false)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck // one-shot command

	rows := p.lib.Coverage()
	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, rows)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCATEGORY\tTIER\tMATCHERS\tVALIDATORS\tREPLACEMENT") //nolint:errcheck // flushed below
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", //nolint:errcheck // flushed below
			r.Type, r.Category, r.Tier, r.Matchers, orDash(strings.Join(r.Validators, ",")), p.vocab.Token(r.Type))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBanner(w io.Writer, cfg *config.Config, backend string) {
	mgmt := "disabled"
	if cfg.ManagementPort != 0 {
		mgmt = fmt.Sprintf("127.0.0.1:%d", cfg.ManagementPort)
	}
	audit := "in memory"
	if cfg.AuditPath != "" {
		audit = cfg.AuditPath
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          PII Anonymizer  (Go)                        ║
╚══════════════════════════════════════════════════════╝
  Service         : %s:%d  (HTTP/1.1 + h2c)
  Management      : %s
  Recognizer      : %s
  Score threshold : %.2f
  Max text        : %d bytes
  Audit trail     : %s (keeps %d)

  Try it:
    curl -s localhost:%d/anonymize -d '{"text":"Call Jane at 555-123-4567"}'
`, cfg.BindAddress, cfg.Port,
		mgmt,
		backend,
		cfg.ScoreThreshold,
		cfg.MaxTextBytes,
		audit, cfg.AuditRetention,
		cfg.Port)
}
