// Command gretacore-inspect prints a weight file's tensor index and
// derived model config without running any compute (spec §6.3
// "inspector" surface), mirroring the teacher's own gguf-parser CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/gretacore/gretacore/util/json"
	"github.com/gretacore/gretacore/weights"
)

var (
	jsonOutput  bool
	tensorsOnly bool
)

func main() {
	name := filepath.Base(os.Args[0])
	app := &cli.App{
		Name:                   name,
		Usage:                  "Inspect a gretacore weight file's tensor index and model config.",
		UsageText:              name + " [global options] <path>",
		UseShortOptionHandling: true,
		HideHelp:               true,
		Reader:                 os.Stdin,
		Writer:                 os.Stdout,
		ErrWriter:              os.Stderr,
		OnUsageError: func(c *cli.Context, _ error, _ bool) error {
			return cli.ShowAppHelp(c)
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:               "help",
				Aliases:            []string{"h"},
				Usage:              "Print the usage.",
				DisableDefaultText: true,
			},
			&cli.BoolFlag{
				Destination: &jsonOutput,
				Name:        "json",
				Usage:       "Print the derived model config as JSON instead of a table.",
			},
			&cli.BoolFlag{
				Destination: &tensorsOnly,
				Name:        "tensors-only",
				Usage:       "Skip the model config summary and print only the tensor index.",
			},
		},
		Action: inspect,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gretacore-inspect:", err)
		os.Exit(1)
	}
}

func inspect(c *cli.Context) error {
	if c.Bool("help") || c.NArg() == 0 {
		return cli.ShowAppHelp(c)
	}
	path := c.Args().First()

	container, err := weights.Open(path)
	if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	defer container.Close()

	if !tensorsOnly {
		printConfig(c, container)
	}
	printTensors(c, container)
	return nil
}

func printConfig(c *cli.Context, container *weights.Container) {
	cfg := container.GetConfig()
	if jsonOutput {
		out, err := json.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(c.App.ErrWriter, "gretacore-inspect: marshaling config:", err)
			return
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(c.App.Writer)
	tw.SetTitle(fmt.Sprintf("model config (file version %d)", container.Version))
	tw.AppendHeader(table.Row{"field", "value"})
	tw.AppendRows([]table.Row{
		{"vocab_size", cfg.VocabSize},
		{"dim", cfg.Dim},
		{"num_layers", cfg.NumLayers},
		{"num_heads", cfg.NumHeads},
		{"num_heads_kv", cfg.NumHeadsKV},
		{"head_dim", cfg.HeadDim},
		{"hidden_dim", cfg.HiddenDim},
		{"norm_eps", cfg.NormEps},
		{"rope_base", cfg.RopeBase},
		{"max_seq_len", cfg.MaxSeqLen},
	})
	tw.Render()
	fmt.Fprintln(c.App.Writer)
}

func printTensors(c *cli.Context, container *weights.Container) {
	tw := table.NewWriter()
	tw.SetOutputMirror(c.App.Writer)
	tw.SetTitle(fmt.Sprintf("tensors (%d)", len(container.Tensors)))
	tw.AppendHeader(table.Row{"#", "name", "dtype", "dims", "elements", "size"})

	var total uint64
	for i, rec := range container.Tensors {
		tw.AppendRow(table.Row{
			i, rec.Name, rec.DType.String(), dimsString(rec.Dims),
			humanize.Comma(int64(rec.NElements)), humanize.Bytes(rec.Size),
		})
		total += rec.Size
	}
	tw.AppendFooter(table.Row{"", "", "", "", "total", humanize.Bytes(total)})
	tw.Render()
}

func dimsString(dims []uint64) string {
	s := ""
	for i, d := range dims {
		if i > 0 {
			s += "x"
		}
		s += fmt.Sprintf("%d", d)
	}
	return s
}
