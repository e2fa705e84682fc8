package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/piarun/maroon-sub000/pkg/epoch"
	"github.com/piarun/maroon-sub000/pkg/linearizer"
)

func newLinearizeCommand() *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "linearize",
		Short: "Read a JSON epoch log and print the linearized blob-ID sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("linearize: open %s: %w", inputPath, err)
				}
				defer f.Close()
				r = f
			}
			return linearize(r, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&inputPath, "input", "-", "path to a newline-delimited JSON epoch log, or - for stdin")
	return cmd
}

// linearize decodes one §6 `{"epoch": {...}}` object per line from r,
// sorts them by sequence number (the log may have been written
// out-of-order by a CAS loser's retry), feeds them through a
// LogLinearizer in that order, and prints the resulting blob-ID
// sequence, one ID per line.
func linearize(r io.Reader, w io.Writer) error {
	var epochs []epoch.Epoch
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e epoch.Epoch
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("linearize: decode epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("linearize: read input: %w", err)
	}

	sort.Slice(epochs, func(i, j int) bool { return epochs[i].SequenceNumber < epochs[j].SequenceNumber })

	lin := linearizer.NewLogLinearizer()
	for _, e := range epochs {
		lin.NewEpoch(e)
	}

	for _, id := range lin.Sequence() {
		fmt.Fprintf(w, "%d\n", uint64(id))
	}
	return nil
}
