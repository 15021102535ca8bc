// Package main implements mkimage, the CLI driver around the offline
// filesystem engine (pkg/fat32, pkg/exfat, pkg/ext4). It owns everything
// spec.md §1 places outside the core: TOML layout loading, progress
// reporting, and logging. The engine packages only accept an optional
// elog.Logger from their callers; they do no layout loading or progress
// reporting themselves.
package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vorteil/fsimage/pkg/elog"
)

var log *elog.CLI

var (
	flagVerbose bool
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:   "mkimage",
	Short: "generate, populate, and verify bootable disk images in user space",
	Long: `mkimage lays down FAT32, ExFAT, and EXT4 filesystems directly into
the byte ranges of a raw disk image and streams host directory trees into
them, without mounting anything or invoking the host kernel.`,
	SilenceUsage: true,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}
		logrus.SetFormatter(logger)
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return nil
	}

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(checkCmd)
}
