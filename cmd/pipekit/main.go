package main

import (
	"fmt"
	"os"
)

const usage = `usage: pipekit <command> [flags]

commands:
  serve                 serve the pipeline tools over MCP stdio
  validate <file>       validate a pipeline snapshot
  plan <file>           print the execution order and a diagram
  run <file>            execute a pipeline snapshot
  layout <file>         recompute node positions and print the snapshot
  connector <cmd>       manage database and HTTP connectors (add, list, remove)
  version               print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		runServe(args)
	case "validate":
		runValidate(args)
	case "plan":
		runPlan(args)
	case "run":
		runRun(args)
	case "layout":
		runLayout(args)
	case "connector":
		runConnector(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}
