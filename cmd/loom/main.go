// Package main provides the CLI entry point for Loom, an agent execution
// core that drives an LLM through multi-step, tool-using conversations.
//
// # Basic Usage
//
// Run a one-shot agent turn:
//
//	loom run "refactor the parser in internal/parse"
//
// Continue an existing session:
//
//	loom run --session 7f3a... "now add tests"
//
// List sessions:
//
//	loom sessions
//
// # Environment Variables
//
//   - LOOM_CONFIG: Path to configuration file (default: loom.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - agent execution core",
		Long: `Loom drives a large-language-model through multi-step, tool-using
conversations: it streams partial output to subscribers, persists a durable
transcript, and enforces a safety policy on every tool invocation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
	)
	return rootCmd
}

// resolveConfigPath honors the --config flag first, then LOOM_CONFIG, then
// the default loom.yaml.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	return "loom.yaml"
}
