package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcrodman/seatkeeper/internal/core"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config file tools",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Writes a config file populated with default values",
	Args:  cobra.NoArgs,
	Run:   ConfigInitCommand,
}

var OverwriteFlag bool

func ConfigInitCommand(cmd *cobra.Command, args []string) {
	path, err := core.WriteDefaultConfig(ConfigFlag, OverwriteFlag)
	if err != nil {
		fmt.Println(err)
		if !OverwriteFlag {
			fmt.Println("use --overwrite to replace the existing file")
		}
		return
	}
	fmt.Println("wrote default config to", path)
}
