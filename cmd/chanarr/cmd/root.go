// Package cmd implements the chanarr command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chanarr",
	Short: "Self-hosted IPTV head-end",
	Long: `chanarr composes media libraries (local files, Plex, Jellyfin, Emby,
YouTube, Archive.org) into virtual television channels and serves a
continuous per-channel MPEG-TS stream with a DVR-compatible tuner and
EPG surface.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
