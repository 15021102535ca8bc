package main

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vorteil/fsimage/pkg/store"
)

var flagOutput string

var buildCmd = &cobra.Command{
	Use:   "build LAYOUT.toml",
	Short: "format and populate every partition declared in a TOML layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuild,
}

// addOutputFlags attaches this command's flags to f, the same
// pflag.FlagSet-typed helper shape vorteil/cmd/vorteil's addModifyFlags uses
// to keep flag wiring reusable across subcommands.
func addOutputFlags(f *pflag.FlagSet) {
	f.StringVarP(&flagOutput, "output", "o", "disk.img", "path of the raw image file to create")
}

func init() {
	addOutputFlags(buildCmd.Flags())
}

func runBuild(cmd *cobra.Command, args []string) error {
	layout, err := LoadLayout(args[0])
	if err != nil {
		return err
	}

	size := layout.TotalSize()
	log.Infof("allocating %s image at %s", humanize.Bytes(uint64(size)), flagOutput)

	f, err := os.Create(flagOutput)
	if err != nil {
		return errors.Wrapf(err, "mkimage: create %q", flagOutput)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "mkimage: truncate %q to %d bytes", flagOutput, size)
	}

	root := store.NewFileStore(f, size, false)

	for _, p := range layout.Partitions {
		p := p
		log.Printf("building partition %s", p.describe())

		window, err := store.NewWindowStore(root, p.Offset, p.Size)
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: window store", p.Name)
		}

		if err := buildPartition(window, &p, log); err != nil {
			return err
		}

		findings, err := checkPartition(window, &p)
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: check", p.Name)
		}
		if len(findings) == 0 {
			log.Printf("%s: clean", p.Name)
			continue
		}
		for _, fd := range findings {
			log.Warnf("%s: %s at %s: %s", p.Name, fd.Kind, fd.Location, fd.Detail)
		}
	}

	return root.Flush()
}
