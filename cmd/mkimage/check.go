package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vorteil/fsimage/pkg/store"
)

var checkCmd = &cobra.Command{
	Use:   "check LAYOUT.toml IMAGE",
	Short: "run the read-only checker over every partition of an existing image",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	layout, err := LoadLayout(args[0])
	if err != nil {
		return err
	}

	f, err := os.Open(args[1])
	if err != nil {
		return errors.Wrapf(err, "mkimage: open %q", args[1])
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "mkimage: stat %q", args[1])
	}

	root := store.NewFileStore(f, fi.Size(), true)

	var total int
	for _, p := range layout.Partitions {
		p := p
		window, err := store.NewWindowStore(root, p.Offset, p.Size)
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: window store", p.Name)
		}

		findings, err := checkPartition(window, &p)
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: check", p.Name)
		}

		if len(findings) == 0 {
			fmt.Printf("%s: clean\n", p.Name)
			continue
		}
		for _, fd := range findings {
			fmt.Printf("%s: %s at %s: %s\n", p.Name, fd.Kind, fd.Location, fd.Detail)
		}
		total += len(findings)
	}

	if total > 0 {
		return errors.Errorf("mkimage: %d findings across %d partitions", total, len(layout.Partitions))
	}
	return nil
}
