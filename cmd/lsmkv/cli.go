package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// RunCLI runs the interactive shell until exit or EOF.
func RunCLI(s *session, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl+D / Ctrl+C / EOF
			fmt.Fprintln(s.out)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, rest := splitCmdRest(line)
		switch strings.ToLower(name) {
		case "exit", "quit":
			fmt.Fprintln(s.out, "Bye!")
			return
		case "help":
			printUsage(s)
			continue
		}
		cmd, ok := findCommand(name)
		if !ok {
			fmt.Fprintln(s.out, "Unknown command:", name)
			continue
		}
		if err := cmd.call(s, splitArgs(rest, cmd.nargs)); err != nil {
			fmt.Fprintln(s.out, ColorRed+"Error:"+ColorReset, err)
		}
	}
}

// splitCmdRest extracts the command (first token) and the rest of the line (raw).
func splitCmdRest(line string) (cmd, rest string) {
	for i, r := range line {
		if r == ' ' || r == '\t' {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
	}
	return line, ""
}

func printUsage(s *session) {
	fmt.Fprintln(s.out, ColorYellow+"\nlsmkv shell"+ColorReset+" (txn "+s.txnID+")")
	fmt.Fprintln(s.out, ColorCyan+" Commands:"+ColorReset)
	for _, c := range commands {
		fmt.Fprintf(s.out, "  %-28s %s# %s%s\n", c.name+" "+c.argsUsage, ColorBlue, c.usage, ColorReset)
	}
	fmt.Fprintf(s.out, "  %-28s %s# %s%s\n", "help", ColorBlue, "Show this list", ColorReset)
	fmt.Fprintf(s.out, "  %-28s %s# %s%s\n", "exit", ColorBlue, "Leave the shell", ColorReset)

	fmt.Fprintln(s.out, ColorCyan+"\n 💡 Examples:"+ColorReset)
	fmt.Fprintln(s.out, "  put user:1 "+ColorCyan+`{"name":"Alice"}`+ColorReset)
	fmt.Fprintln(s.out, "  get user:1")
	fmt.Fprintln(s.out, "  range user:0 user:9")
	fmt.Fprintln(s.out)
}
