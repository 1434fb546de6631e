package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rendis/pipekit/internal/secrets"
	"github.com/rendis/pipekit/pkg/schema"
)

const connectorUsage = `usage: pipekit connector <add|list|remove> [flags]

  add     -id ID -kind libsql|http -dsn DSN [-name NAME] [-option k=v ...]
  list    [-kind KIND] [-show-dsn]
  remove  -id ID

DSNs are sealed at rest when PIPEKIT_VAULT_KEY is set.
`

// optionFlags collects repeated -option k=v pairs.
type optionFlags map[string]any

func (o optionFlags) String() string { return fmt.Sprint(map[string]any(o)) }

func (o optionFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("option %q: want key=value", v)
	}
	o[k] = val
	return nil
}

func runConnector(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, connectorUsage)
		os.Exit(2)
	}
	cfg := loadConfig()
	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("connector "+sub, flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")

	var (
		c       schema.Connector
		opts    = optionFlags{}
		kind    string
		showDSN bool
	)
	switch sub {
	case "add":
		fs.StringVar(&c.ID, "id", "", "connector id")
		fs.StringVar(&c.Name, "name", "", "display name (defaults to the id)")
		fs.StringVar(&c.Kind, "kind", schema.ConnectorKindLibSQL, "connector kind: libsql or http")
		fs.StringVar(&c.DSN, "dsn", "", "data source name or base URL")
		fs.Var(opts, "option", "extra option as key=value (repeatable)")
	case "list":
		fs.StringVar(&kind, "kind", "", "only list connectors of this kind")
		fs.BoolVar(&showDSN, "show-dsn", false, "print DSNs in clear")
	case "remove":
		fs.StringVar(&c.ID, "id", "", "connector id")
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown connector command %q\n\n%s", sub, connectorUsage)
		os.Exit(2)
	}
	if err := fs.Parse(rest); err != nil {
		os.Exit(1)
	}

	if err := os.MkdirAll(pipekitDir(), 0o700); err != nil {
		fatalf("cannot create %s: %v", pipekitDir(), err)
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, true, runSettings{})
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	switch sub {
	case "add":
		if len(opts) > 0 {
			c.Options = opts
		}
		err = addConnector(ctx, a.connectors, &c, os.Stdout)
	case "list":
		err = listConnectors(ctx, a.connectors, kind, showDSN, os.Stdout)
	case "remove":
		err = removeConnector(ctx, a.connectors, c.ID, os.Stdout)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

// addConnector validates and stores c.
func addConnector(ctx context.Context, cs secrets.ConnectorStore, c *schema.Connector, w io.Writer) error {
	if c.ID == "" {
		return fmt.Errorf("connector add: -id is required")
	}
	if c.DSN == "" {
		return fmt.Errorf("connector add: -dsn is required")
	}
	switch c.Kind {
	case schema.ConnectorKindLibSQL, schema.ConnectorKindHTTP:
	default:
		return fmt.Errorf("connector add: unknown kind %q (want %s or %s)", c.Kind, schema.ConnectorKindLibSQL, schema.ConnectorKindHTTP)
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if err := cs.UpsertConnector(ctx, c); err != nil {
		return err
	}
	fmt.Fprintf(w, "connector %s saved\n", c.ID)
	return nil
}

// listConnectors prints a table of connectors. DSNs are masked unless showDSN.
func listConnectors(ctx context.Context, cs secrets.ConnectorStore, kind string, showDSN bool, w io.Writer) error {
	list, err := cs.ListConnectors(ctx, kind)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "no connectors")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tDSN\tOPTIONS")
	for _, c := range list {
		dsn := "****"
		if showDSN {
			dsn = c.DSN
		}
		opts := ""
		if len(c.Options) > 0 {
			b, _ := json.Marshal(c.Options)
			opts = string(b)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Kind, c.Name, dsn, opts)
	}
	return tw.Flush()
}

func removeConnector(ctx context.Context, cs secrets.ConnectorStore, id string, w io.Writer) error {
	if id == "" {
		return fmt.Errorf("connector remove: -id is required")
	}
	if err := cs.DeleteConnector(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(w, "connector %s removed\n", id)
	return nil
}
