package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/pipekit/internal/diagram"
	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/panel"
	"github.com/rendis/pipekit/pkg/mcp"
	"github.com/rendis/pipekit/pkg/schema"
)

func runServe(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "also serve the run monitor API on this address (e.g. :4100)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(pipekitDir(), 0o700); err != nil {
		fatalf("cannot create %s: %v", pipekitDir(), err)
	}
	a, err := newApp(ctx, cfg, true, runSettings{successRate: cfg.SimSuccessRate})
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	srv := mcp.NewPipekitServer(mcp.PipekitServerDeps{
		Sessions: a.manager,
		Registry: a.registry,
		Hub:      a.hub,
		Logger:   a.logger,
		Version:  version,
	})
	if cfg.ListenAddr != "" {
		go serveMonitor(ctx, a, cfg.ListenAddr)
	}

	a.logger.Info("serving MCP over stdio", "db_path", cfg.DBPath)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatalf("serve: %v", err)
	}
}

// serveMonitor runs the run monitor HTTP API until ctx is done.
func serveMonitor(ctx context.Context, a *app, addr string) {
	httpSrv := &http.Server{
		Addr: addr,
		Handler: panel.NewPanelServer(panel.PanelDeps{
			Store:    a.store,
			Sessions: a.manager,
			Hub:      a.hub,
			Logger:   a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("run monitor listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("run monitor stopped", "error", err)
	}
}

func runValidate(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	path := parseWithFile(fs, args)

	p := mustReadPipeline(path)
	a, err := newApp(context.Background(), cfg, false, runSettings{})
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	ok, err := validatePipeline(context.Background(), a, p, os.Stdout)
	if err != nil {
		fatalf("%v", err)
	}
	if !ok {
		os.Exit(1)
	}
}

func runPlan(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	format := fs.String("format", "mermaid", "diagram format: mermaid or text")
	dir := fs.String("dir", cfg.LayoutDirection, "mermaid direction: TB or LR")
	path := parseWithFile(fs, args)

	p := mustReadPipeline(path)
	g, err := graph.FromPipeline(p, graphOptions(cfg)...)
	if err != nil {
		fatalf("%v", err)
	}
	if err := writePlan(os.Stdout, g, *format, *dir); err != nil {
		fatalf("%v", err)
	}
}

func runRun(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	previewFlag := fs.Bool("preview", false, "execute nodes against real data instead of simulating")
	seed := fs.Int64("seed", -1, "seed for simulated outcomes (default: random)")
	rate := fs.Float64("success-rate", cfg.SimSuccessRate, "probability that a simulated node succeeds")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	path := parseWithFile(fs, args)

	rs := runSettings{
		preview:     *previewFlag,
		successRate: *rate,
		sinks:       []engine.LogSink{&consoleSink{w: os.Stdout}},
	}
	if *seed >= 0 {
		s := uint64(*seed)
		rs.seed = &s
	}

	p := mustReadPipeline(path)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(pipekitDir(), 0o700); err != nil {
		fatalf("cannot create %s: %v", pipekitDir(), err)
	}
	a, err := newApp(ctx, cfg, true, rs)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	res, err := runPipeline(ctx, a, p)
	if res != nil {
		printRunSummary(os.Stdout, res)
	}
	if err != nil {
		fatalf("%v", err)
	}
	if res.Status != schema.RunStatusSucceeded {
		os.Exit(1)
	}
}

func runLayout(args []string) {
	cfg := loadConfig()
	fs := flag.NewFlagSet("layout", flag.ExitOnError)
	dir := fs.String("dir", cfg.LayoutDirection, "layout direction: TB or LR")
	out := fs.String("o", "", "write the snapshot to this file instead of stdout")
	path := parseWithFile(fs, args)

	p := mustReadPipeline(path)
	a, err := newApp(context.Background(), cfg, false, runSettings{})
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	laid, err := layoutPipeline(a, p, *dir)
	if err != nil {
		fatalf("%v", err)
	}
	data, _ := json.MarshalIndent(laid, "", "  ")
	if *out == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fatalf("cannot write %s: %v", *out, err)
	}
}

// --- Command bodies ---

// validatePipeline prints the validation summary and reports whether p is valid.
func validatePipeline(ctx context.Context, a *app, p *schema.Pipeline, w io.Writer) (bool, error) {
	vr, err := a.validator.Validate(ctx, p)
	if err != nil {
		return false, err
	}
	for _, warn := range vr.Summary().Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if vr.Valid() {
		fmt.Fprintln(w, "pipeline is valid")
		return true, nil
	}
	for _, msg := range vr.Messages() {
		fmt.Fprintf(w, "error: %s\n", msg)
	}
	return false, nil
}

// writePlan prints the execution order followed by a diagram.
func writePlan(w io.Writer, g *graph.Graph, format, dir string) error {
	res := engine.Resolve(g)
	fmt.Fprintln(w, "Execution order:")
	for i, id := range res.Order {
		n, _ := g.Node(id)
		fmt.Fprintf(w, "  %d. %s (%s)\n", i+1, n.DisplayLabel(), id)
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(w, "Blocked by a cycle: %s\n", strings.Join(res.Blocked, ", "))
	}
	fmt.Fprintln(w)

	model := diagram.Build(g)
	switch format {
	case "mermaid":
		d, err := layout.ParseDirection(dir)
		if err != nil {
			return err
		}
		fmt.Fprint(w, diagram.RenderMermaid(model, string(d)))
	case "text":
		fmt.Fprint(w, diagram.RenderText(model))
	default:
		return fmt.Errorf("unknown format %q (want mermaid or text)", format)
	}
	return nil
}

// runPipeline imports p into a session and runs it.
func runPipeline(ctx context.Context, a *app, p *schema.Pipeline) (*engine.RunResult, error) {
	sess, err := a.manager.Import(p)
	if err != nil {
		return nil, err
	}
	return sess.Run(ctx)
}

// layoutPipeline imports p, lays it out in dir and returns the new snapshot.
func layoutPipeline(a *app, p *schema.Pipeline, dir string) (*schema.Pipeline, error) {
	d, err := layout.ParseDirection(dir)
	if err != nil {
		return nil, err
	}
	sess, err := a.manager.Import(p)
	if err != nil {
		return nil, err
	}
	if _, err := sess.AutoLayout(d); err != nil {
		return nil, err
	}
	return sess.State().Pipeline, nil
}

func printRunSummary(w io.Writer, res *engine.RunResult) {
	fmt.Fprintf(w, "\nrun %s %s in %s\n", res.RunID, res.Status, res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.FailedNodeID != "" {
		fmt.Fprintf(w, "failed node: %s\n", res.FailedNodeID)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error: %s\n", res.Error)
	}
}

// consoleSink prints execution log entries as they are appended.
type consoleSink struct {
	w io.Writer
}

func (c *consoleSink) AppendLog(_ context.Context, _ engine.RunRef, e schema.ExecutionLogEntry) error {
	label := e.NodeLabel
	if label == "" {
		label = "pipeline"
	}
	_, err := fmt.Fprintf(c.w, "%s  %-7s  %-20s  %s\n", e.Timestamp.Format("15:04:05.000"), e.Status, label, e.Message)
	return err
}

// --- Helpers ---

func graphOptions(cfg Config) []graph.Option {
	if cfg.StrictAcyclic {
		return []graph.Option{graph.WithStrictAcyclic()}
	}
	return nil
}

// parseWithFile parses flags and returns the single positional file argument.
// Flags may come before or after the file.
func parseWithFile(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fatalf("%s: a pipeline file is required", fs.Name())
	}
	path := rest[0]
	if err := fs.Parse(rest[1:]); err != nil {
		os.Exit(1)
	}
	if fs.NArg() > 0 {
		fatalf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	return path
}

func readPipeline(path string) (*schema.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p schema.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &p, nil
}

func mustReadPipeline(path string) *schema.Pipeline {
	p, err := readPipeline(path)
	if err != nil {
		fatalf("%v", err)
	}
	return p
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
