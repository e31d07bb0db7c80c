package packinfo

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/reprozip/reprozip/core/bundle"
	"github.com/reprozip/reprozip/core/config"
	"github.com/reprozip/reprozip/core/graph"
	"github.com/reprozip/reprozip/core/unpack"
)

type Label struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	ReadByRuns    []int  `json:"read_by_runs,omitempty"`
	WrittenByRuns []int  `json:"written_by_runs,omitempty"`
	// Uploaded is the local file currently replacing an input.
	Uploaded string `json:"uploaded,omitempty"`
}

type Files struct {
	Source  string  `json:"source"`
	Inputs  []Label `json:"inputs"`
	Outputs []Label `json:"outputs"`
}

// ShowFiles lists the named input and output files of a bundle, or of an
// unpacked target along with the inputs replaced by uploads.
func ShowFiles(ctx context.Context, source string) (Files, error) {
	var configuration *config.Configuration
	var uploads map[string]string
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		_, state, loaded, err := unpack.Open(source, "")
		if err != nil {
			return Files{}, err
		}
		configuration, uploads = loaded, state.Uploads
	} else {
		metadata, err := bundle.ReadMetadata(ctx, source, "")
		if err != nil {
			return Files{}, err
		}
		configuration = metadata.Config
	}

	files := Files{Source: source}
	for _, entry := range configuration.InputsOutputs {
		label := Label{
			Name:          entry.Name,
			Path:          entry.Path,
			ReadByRuns:    entry.ReadByRuns,
			WrittenByRuns: entry.WrittenByRuns,
			Uploaded:      uploads[entry.Name],
		}
		switch entry.Role {
		case graph.RoleInput:
			files.Inputs = append(files.Inputs, label)
		case graph.RoleOutput:
			files.Outputs = append(files.Outputs, label)
		}
	}
	return files, nil
}

func WriteShowFiles(writer io.Writer, files Files) error {
	var builder strings.Builder
	section := func(title string, labels []Label) {
		fmt.Fprintf(&builder, "%s:\n", title)
		if len(labels) == 0 {
			fmt.Fprintln(&builder, "    (none)")
		}
		for _, label := range labels {
			fmt.Fprintf(&builder, "    %s\n", label.Name)
			fmt.Fprintf(&builder, "        path: %s\n", label.Path)
			if label.Uploaded != "" {
				fmt.Fprintf(&builder, "        uploaded: %s\n", label.Uploaded)
			}
		}
	}
	section("Input files", files.Inputs)
	section("Output files", files.Outputs)
	_, err := io.WriteString(writer, builder.String())
	return err
}
