package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// REPL is an interactive shell over an authenticated client
type REPL struct {
	client          *Client
	logger          *Logger
	out             io.Writer
	commandHandlers map[string]commandHandler

	mu        sync.Mutex
	rl        *readline.Instance
	completer *readline.PrefixCompleter
}

// NewREPL creates a new REPL instance
func NewREPL(client *Client, logger *Logger) *REPL {
	r := &REPL{
		client: client,
		logger: logger,
		out:    os.Stdout,
	}
	r.commandHandlers = r.buildCommandHandlers()
	r.completer = r.createCompleter()
	client.OnToolsChanged(r.refreshCompleter)
	return r
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".solution_client_history")

	config := &readline.Config{
		Prompt:          "solution> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.currentCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	r.mu.Lock()
	r.rl = rl
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.rl = nil
		r.mu.Unlock()
		_ = rl.Close()
	}()
	r.out = rl.Stdout()

	r.logger.Info("REPL started against %s. Type 'help' for available commands. Use TAB for completion.", r.client.Endpoint())
	r.println()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.logger.Error("Error: %v", err)
		}

		r.println()
	}
}

func (r *REPL) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(args ...interface{}) {
	_, _ = fmt.Fprintln(r.out, args...)
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// toolNames lists the catalog for tab completion
func (r *REPL) toolNames() []string {
	tools := r.client.Tools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	toolCompleter := buildPcItems(r.toolNames())

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("tools"),
		readline.PcItem("describe", toolCompleter...),
		readline.PcItem("call", toolCompleter...),
		readline.PcItem("hint"),
		readline.PcItem("rate"),
		readline.PcItem("status"),
		readline.PcItem("token"),
		readline.PcItem("refresh"),
		readline.PcItem("verbose",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
	)
}

func (r *REPL) currentCompleter() *readline.PrefixCompleter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completer
}

// refreshCompleter rebuilds tab completion after the tool catalog changed
func (r *REPL) refreshCompleter() {
	completer := r.createCompleter()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.completer = completer
	if r.rl != nil {
		r.rl.Config.AutoComplete = completer
		r.rl.Refresh()
	}
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"help": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"?": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showHelp()
		}},
		"exit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"quit": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return errExit
		}},
		"tools": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.listTools()
		}},
		"describe": {
			minArgs: 2,
			usage:   "usage: describe <tool-name>",
			handler: func(ctx context.Context, parts []string) error {
				return r.describeTool(parts[1])
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <tool-name> [json-args]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"hint": {
			minArgs: 3,
			usage:   "usage: hint <ruleset> <violation>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleHint(ctx, parts[1], parts[2])
			},
		},
		"rate": {
			minArgs: 2,
			usage:   "usage: rate <ruleset>/<violation> [<ruleset>/<violation>...]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleSuccessRate(ctx, parts[1:])
			},
		},
		"status": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showStatus()
		}},
		"token": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.showToken()
		}},
		"refresh": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleRefresh(ctx)
		}},
		"verbose": {
			minArgs: 2,
			usage:   "usage: verbose <on|off>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleVerbose(parts[1])
			},
		},
	}
}

// executeCommand parses and executes a command
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	r.println("Available commands:")
	r.println("  help, ?                        - Show this help message")
	r.println("  tools                          - List the tools the server offers")
	r.println("  describe <tool>                - Show a tool's input schema")
	r.println("  call <tool> {json}             - Execute a tool with JSON arguments")
	r.println("  hint <ruleset> <violation>     - Get the best hint for a violation")
	r.println("  rate <ruleset>/<violation>...  - Get the solution success rate")
	r.println("  status                         - Show session and connection state")
	r.println("  token                          - Show the (masked) bearer token and its expiry")
	r.println("  refresh                        - Rotate the bearer token now")
	r.println("  verbose <on|off>               - Enable/disable debug output")
	r.println("  exit, quit                     - Exit the REPL")
	r.println()
	r.println("Keyboard shortcuts:")
	r.println("  TAB                            - Auto-complete commands and arguments")
	r.println("  ↑/↓ (arrow keys)               - Navigate command history")
	r.println("  Ctrl+R                         - Search command history")
	r.println("  Ctrl+C                         - Cancel current line")
	r.println("  Ctrl+D                         - Exit REPL")
	r.println()
	r.println("Examples:")
	r.println("  hint konveyor-analysis session-00000")
	r.println("  rate konveyor-analysis/session-00000 konveyor-analysis/jms-00001")
	r.println("  call get_best_hint {\"ruleset_name\": \"konveyor-analysis\", \"violation_name\": \"session-00000\"}")
	return nil
}

// listTools displays available tools
func (r *REPL) listTools() error {
	if !r.client.ServerSupportsTools() {
		r.println("Server does not support tools capability.")
		return nil
	}
	tools := r.client.Tools()
	if len(tools) == 0 {
		r.println("No tools available.")
		return nil
	}

	r.printf("Available tools (%d):\n", len(tools))
	for i, tool := range tools {
		r.printf("  %d. %-30s - %s\n", i+1, tool.Name, tool.Description)
	}
	return nil
}

// describeTool shows detailed information about a tool
func (r *REPL) describeTool(name string) error {
	tool, ok := r.client.Tool(name)
	if !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	r.printf("Tool: %s\n", tool.Name)
	r.printf("Description: %s\n", tool.Description)
	r.println("Input Schema:")
	r.printf("%s\n", PrettyJSON(tool.InputSchema))
	return nil
}

// handleVerbose toggles debug output
func (r *REPL) handleVerbose(setting string) error {
	switch strings.ToLower(setting) {
	case "on":
		r.logger.SetVerbose(true)
		r.println("Verbose output enabled")
	case "off":
		r.logger.SetVerbose(false)
		r.println("Verbose output disabled")
	default:
		return fmt.Errorf("invalid setting: %s. Use 'on' or 'off'", setting)
	}
	return nil
}
