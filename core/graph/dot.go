package graph

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/reprozip/reprozip/core/trace"
)

type PackageRef struct {
	Name    string
	Version string
}

// WriteDOT renders the provenance graph in GraphViz format: programs as
// boxes, files grouped by owning package, and read (green), write (red) and
// exec (blue) edges.
func WriteDOT(w io.Writer, g *Graph, owners map[string]PackageRef) error {
	out := bufio.NewWriter(w)

	fmt.Fprint(out, "digraph G {\n    /* programs */\n    node [shape=box];\n")
	for _, program := range g.Processes {
		binary := program.Binary
		if binary == "" {
			binary = "-"
		}
		fmt.Fprintf(out, "    prog%d [label=\"%s (%d)\"];\n", program.Index, escape(binary), program.PID)
		if program.Parent != nil {
			fmt.Fprintf(out, "    prog%d -> prog%d [label=\"%s\"];\n", program.Parent.Index, program.Index, program.Created)
		}
	}

	var (
		files   []string
		seen    = map[string]bool{}
		grouped = map[PackageRef][]string{}
		others  []string
	)
	for _, program := range g.Processes {
		for _, access := range program.Accesses {
			if !seen[access.Path] {
				seen[access.Path] = true
				files = append(files, access.Path)
			}
		}
	}
	for _, path := range files {
		if ref, ok := owners[path]; ok {
			grouped[ref] = append(grouped[ref], path)
		} else {
			others = append(others, path)
		}
	}
	refs := make([]PackageRef, 0, len(grouped))
	for ref := range grouped {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].Version < refs[j].Version
	})

	fmt.Fprint(out, "\n    node [shape=ellipse];\n\n    /* system packages */\n")
	for index, ref := range refs {
		label := ref.Name
		if ref.Version != "" {
			label += " " + ref.Version
		}
		fmt.Fprintf(out, "    subgraph cluster%d {\n        label=\"%s\";\n", index, escape(label))
		for _, path := range grouped[ref] {
			fmt.Fprintf(out, "        \"%s\";\n", escape(path))
		}
		fmt.Fprint(out, "    }\n")
	}

	fmt.Fprint(out, "\n    /* other files */\n")
	for _, path := range others {
		fmt.Fprintf(out, "    \"%s\";\n", escape(path))
	}

	fmt.Fprint(out, "\n")
	for _, program := range g.Processes {
		for _, access := range program.Accesses {
			switch {
			case access.Exec:
				fmt.Fprintf(out, "    \"%s\" -> prog%d [color=blue, label=\"%s\"];\n",
					escape(access.Path), program.Index, escape(strings.Join(access.Argv, " ")))
			case access.Mode.Has(trace.ModeWrite):
				fmt.Fprintf(out, "    prog%d -> \"%s\" [color=red];\n", program.Index, escape(access.Path))
			case access.Mode.Has(trace.ModeRead) || access.Mode.Has(trace.ModeStat):
				fmt.Fprintf(out, "    \"%s\" -> prog%d [color=green];\n", escape(access.Path), program.Index)
			}
		}
	}
	fmt.Fprint(out, "}\n")
	return out.Flush()
}

func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
}
