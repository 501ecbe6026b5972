// Mcpchat is a terminal chat client that lets a language model use the
// tools, resources and prompts of a Model Context Protocol server.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpchat chat             Start an interactive chat (type "exit" to quit)
//	mcpchat ask <question>   Ask a single question
//	mcpchat tools            List the server's tools
//	mcpchat resources        List the server's resources and templates
//	mcpchat prompts          List the server's prompts
//	mcpchat read <uri> [k=v] Read a resource, expanding URI templates
//	mcpchat ping             Check that the server responds
//	mcpchat version          Print version and build information
//	mcpchat -o json tools    Output listings as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/mcpchat/internal/agent"
	"github.com/nugget/mcpchat/internal/buildinfo"
	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/connwatch"
	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
)

// main only wires the OS environment into [run] so that the whole
// command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stderr so that stdout carries
// only the conversation and listings.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "chat":
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.chat(ctx, stdin, stdout)
		})
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpchat ask <question>")
		}
		question := strings.Join(cmdArgs, " ")
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.ask(ctx, stdout, outputFmt, question)
		})
	case "tools":
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.listTools(ctx, stdout, outputFmt)
		})
	case "resources":
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.listResources(ctx, stdout, outputFmt)
		})
	case "prompts":
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.listPrompts(ctx, stdout, outputFmt)
		})
	case "read":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mcpchat read <uri|template> [key=value...]")
		}
		vars, err := parseVars(cmdArgs[1:])
		if err != nil {
			return err
		}
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.readResource(ctx, stdout, outputFmt, cmdArgs[0], vars)
		})
	case "ping":
		return withApp(ctx, stderr, configPath, func(ctx context.Context, a *app) error {
			return a.ping(ctx, stdout, outputFmt)
		})
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpchat - chat with a language model that uses MCP server tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpchat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive chat (type \"exit\" to quit)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  tools        List the MCP server's tools")
	fmt.Fprintln(w, "  resources    List the MCP server's resources")
	fmt.Fprintln(w, "  prompts      List the MCP server's prompts")
	fmt.Fprintln(w, "  read         Read a resource: read <uri|template> [key=value...]")
	fmt.Fprintln(w, "  ping         Check that the MCP server responds")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// app holds what every server-facing command needs: the loaded
// configuration, a logger and an initialized MCP session.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *mcp.Session
}

// withApp loads configuration, connects to the MCP server and runs fn.
// The session and its transport are closed when fn returns.
func withApp(ctx context.Context, stderr io.Writer, configPath string, fn func(context.Context, *app) error) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Info("config loaded", "path", cfgPath, "version", buildinfo.Version)

	return mcp.WithSession(ctx, serverConfig(cfg), logger, func(ctx context.Context, s *mcp.Session) error {
		return fn(ctx, &app{cfg: cfg, logger: logger, session: s})
	})
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// serverConfig maps the config file's server block to the MCP layer.
func serverConfig(cfg *config.Config) mcp.ServerConfig {
	return mcp.ServerConfig{
		Name:      cfg.Server.Name,
		Transport: cfg.Server.Transport,
		Command:   cfg.Server.Command,
		Args:      cfg.Server.Args,
		Env:       cfg.Server.Env,
		URL:       cfg.Server.URL,
		Headers:   cfg.Server.Headers,
	}
}

// createLLMClient builds the completion client for the configured
// provider. The model name is routed to it explicitly so that further
// providers can be registered alongside.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	m := cfg.Model

	var primary llm.Client
	switch m.Provider {
	case config.ProviderOpenAI:
		primary = llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: m.APIKey, BaseURL: m.Endpoint, Logger: logger})
	case config.ProviderAzure:
		primary = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:     m.APIKey,
			BaseURL:    m.Endpoint,
			Azure:      true,
			APIVersion: m.APIVersion,
			Logger:     logger,
		})
	case config.ProviderAnthropic:
		primary = llm.NewAnthropicClient(llm.AnthropicConfig{APIKey: m.APIKey, URL: m.Endpoint, Logger: logger})
	default:
		primary = llm.NewOllamaClient(m.Endpoint, logger)
	}

	multi := llm.NewMultiClient(primary)
	multi.AddProvider(m.Provider, primary)
	multi.AddModel(m.Name, m.Provider)

	logger.Info("LLM client initialized", "model", m.Name, "provider", m.Provider)
	return multi
}

// newConversation discovers the server's tools, builds the dispatch
// loop and seeds a conversation with the system prompt and, when
// configured, the server's prompts.
func (a *app) newConversation(ctx context.Context) (*agent.Conversation, error) {
	tools, err := a.session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	catalog := mcp.NewCatalog(tools, a.logger)

	// Resources are only reported; the model reaches them through tools.
	resources, err := a.session.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range resources {
		a.logger.Info("MCP resource available", "uri", r.URI, "name", r.Name, "mime_type", r.MimeType)
	}
	for _, t := range tools {
		a.logger.Info("MCP tool available", "tool", t.Name)
	}

	client := createLLMClient(a.cfg, a.logger)
	if n := a.cfg.Model.ProbeAttempts; n > 0 {
		err := connwatch.WaitReady(ctx, connwatch.Config{
			Name:    a.cfg.Model.Provider,
			Probe:   client.Ping,
			Backoff: connwatch.BackoffConfig{MaxAttempts: n},
			Logger:  a.logger,
		})
		if err != nil {
			return nil, err
		}
	}

	loop := agent.NewLoop(a.logger, client, a.session, catalog, agent.Config{
		Model:             a.cfg.Model.Name,
		Temperature:       a.cfg.Model.Temperature,
		MaxTurns:          a.cfg.Agent.MaxTurns,
		ParallelTools:     a.cfg.Agent.ParallelTools,
		ToolRate:          a.cfg.Agent.ToolRate,
		ValidateArguments: a.cfg.Agent.Validating(),
	})

	conv := agent.NewConversation(loop, a.cfg.SystemPrompt, a.logger)
	if a.cfg.LoadPrompts {
		if _, err := conv.LoadPrompts(ctx, a.session); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// chat runs the interactive loop: one question per line until "exit"
// or end of input. Replies stream to stdout as they arrive. A failed
// completion is reported and the chat goes on; a lost session ends it.
func (a *app) chat(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	conv, err := a.newConversation(ctx)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(stdout, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" {
			return nil
		}

		fmt.Fprint(stdout, "Assistant: ")
		_, err := conv.Ask(ctx, question, func(s string) { fmt.Fprint(stdout, s) })
		fmt.Fprintln(stdout)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			a.logger.Error("question failed", "error", err)
			fmt.Fprintf(stdout, "[error: %v]\n", err)
		}
	}
}

// fatal reports whether err means the conversation cannot continue.
func fatal(ctx context.Context, err error) bool {
	var te *mcp.TransportError
	return ctx.Err() != nil || errors.As(err, &te) || errors.Is(err, mcp.ErrSessionClosed)
}

// ask answers one question. Text output streams the reply; JSON output
// prints it once complete.
func (a *app) ask(ctx context.Context, stdout io.Writer, outputFmt, question string) error {
	conv, err := a.newConversation(ctx)
	if err != nil {
		return err
	}

	var onToken llm.TokenFunc
	if outputFmt == "text" {
		onToken = func(s string) { fmt.Fprint(stdout, s) }
	}

	answer, err := conv.Ask(ctx, question, onToken)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, map[string]string{
			"conversation": conv.ID(),
			"answer":       answer,
		})
	}
	fmt.Fprintln(stdout)
	return nil
}

func (a *app) listTools(ctx context.Context, stdout io.Writer, outputFmt string) error {
	tools, err := a.session.ListTools(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, tools)
	}
	for _, t := range tools {
		fmt.Fprintf(stdout, "%-24s %s\n", t.Name, firstLine(t.Description))
	}
	return nil
}

func (a *app) listResources(ctx context.Context, stdout io.Writer, outputFmt string) error {
	resources, err := a.session.ListResources(ctx)
	if err != nil {
		return err
	}
	templates, err := a.session.ListResourceTemplates(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"resources":          resources,
			"resource_templates": templates,
		})
	}
	for _, r := range resources {
		fmt.Fprintf(stdout, "%-40s %-16s %s\n", r.URI, r.MimeType, r.Name)
	}
	for _, t := range templates {
		fmt.Fprintf(stdout, "%-40s %-16s %s\n", t.URITemplate, "(template)", t.Name)
	}
	return nil
}

func (a *app) listPrompts(ctx context.Context, stdout io.Writer, outputFmt string) error {
	prompts, err := a.session.ListPrompts(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, prompts)
	}
	for _, p := range prompts {
		var args []string
		for _, arg := range p.Arguments {
			name := arg.Name
			if !arg.Required {
				name += "?"
			}
			args = append(args, name)
		}
		fmt.Fprintf(stdout, "%-24s (%s) %s\n", p.Name, strings.Join(args, ", "), firstLine(p.Description))
	}
	return nil
}

// readResource reads one resource. A target with variables or template
// braces is expanded as an RFC 6570 template first. Text contents are
// printed as is; binary contents are summarized.
func (a *app) readResource(ctx context.Context, stdout io.Writer, outputFmt, target string, vars map[string]string) error {
	uri := target
	if len(vars) > 0 || strings.Contains(target, "{") {
		expanded, err := a.session.ExpandTemplate(mcp.ResourceTemplate{URITemplate: target}, vars)
		if err != nil {
			return err
		}
		uri = expanded
	}

	contents, err := a.session.GetResource(ctx, uri)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		out := map[string]any{"uri": contents.URI, "mime_type": contents.MimeType}
		if contents.IsBlob() {
			out["bytes"] = len(contents.Blob)
		} else {
			out["text"] = contents.Text
		}
		return writeJSON(stdout, out)
	}
	if contents.IsBlob() {
		fmt.Fprintf(stdout, "%s: %d bytes (%s)\n", contents.URI, len(contents.Blob), contents.MimeType)
		return nil
	}
	fmt.Fprint(stdout, contents.Text)
	if !strings.HasSuffix(contents.Text, "\n") {
		fmt.Fprintln(stdout)
	}
	return nil
}

// ping checks that the server answers and reports who it is.
func (a *app) ping(ctx context.Context, stdout io.Writer, outputFmt string) error {
	if err := a.session.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", a.session.Name(), err)
	}
	info := a.session.ServerInfo()
	if outputFmt == "json" {
		return writeJSON(stdout, map[string]string{
			"server":  a.session.Name(),
			"name":    info.Name,
			"version": info.Version,
			"status":  "ok",
		})
	}
	fmt.Fprintf(stdout, "%s: %s %s ok\n", a.session.Name(), info.Name, info.Version)
	return nil
}

// parseVars turns key=value arguments into template variables.
func parseVars(args []string) (map[string]string, error) {
	vars := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid template variable %q (expected key=value)", arg)
		}
		vars[k] = v
	}
	return vars, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
