package graph

import (
	"fmt"
	"io"
	"strings"
)

// WriteTree prints the program tree of every run followed by the network
// connections, for a quick look at what a command does.
func WriteTree(w io.Writer, g *Graph) error {
	children := map[*Process][]*Process{}
	for _, program := range g.Processes {
		if program.Parent != nil {
			children[program.Parent] = append(children[program.Parent], program)
		}
	}
	var walk func(program *Process, depth int) error
	walk = func(program *Process, depth int) error {
		status := "running"
		switch {
		case program.Signal != 0:
			status = fmt.Sprintf("signal %d", program.Signal)
		case program.Exited:
			status = fmt.Sprintf("exit %d", program.ExitCode)
		}
		binary := program.Binary
		if binary == "" {
			binary = "-"
		}
		if _, err := fmt.Fprintf(w, "%s%s [%s] pid=%d (%s) %s\n",
			strings.Repeat("  ", depth), binary, program.Created, program.PID, status, strings.Join(program.Argv, " ")); err != nil {
			return err
		}
		for _, child := range children[program] {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, run := range g.Runs {
		if _, err := fmt.Fprintf(w, "run %d: %s\n", run.ID, strings.Join(run.Argv, " ")); err != nil {
			return err
		}
		for _, program := range g.Processes {
			if program.RunID == run.ID && program.Parent == nil {
				if err := walk(program, 1); err != nil {
					return err
				}
			}
		}
	}
	if len(g.Connections) == 0 {
		_, err := fmt.Fprintln(w, "no network connections")
		return err
	}
	if _, err := fmt.Fprintln(w, "network connections:"); err != nil {
		return err
	}
	for _, connection := range g.Connections {
		if _, err := fmt.Fprintf(w, "  run %d process %d -> %s\n", connection.RunID, connection.ProcessID, connection.Address); err != nil {
			return err
		}
	}
	return nil
}
