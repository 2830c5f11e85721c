// Package main provides the chordcache command line and C library.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chordcache/src/api"
	"chordcache/src/cache"
	"chordcache/src/config"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by the build.
	Version = ""
	// CommitSHA as provided by the build.
	CommitSHA = ""

	configFile string

	rootCmd = &cobra.Command{
		Use:   "chordcache",
		Short: "Cache chord sheets and song searches on disk",
		Long: paragraph(
			fmt.Sprintf("\nCache chord sheets and song searches on disk. Run without a command to enter the %s line protocol.", keyword("REPL")),
		),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return open()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			api.Close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Skips opening the cache.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("chordcache %s\n", rootCmd.Version)
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show what the cache holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, ok := api.Stats()
			if !ok {
				return fmt.Errorf("could not read cache stats")
			}
			cmd.Print(renderStats(s))
			return nil
		},
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n := api.ClearExpiredEntries()
			if n < 0 {
				return fmt.Errorf("could not remove expired entries")
			}
			cmd.Printf("removed %s expired %s\n", keyword(humanize.Comma(int64(n))), plural(n, "entry", "entries"))
			return nil
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry, saved chord sheets included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			searchOnly, _ := cmd.Flags().GetBool("search")
			var ok bool
			if searchOnly {
				ok = api.ClearSearchCache()
			} else {
				ok = api.ClearAllCache()
			}
			if !ok {
				return fmt.Errorf("could not clear the cache")
			}
			cmd.Println("cache cleared")
			return nil
		},
	}
)

// open loads the configuration and initializes the process-wide cache.
func open() error {
	v := viper.GetViper()
	if err := configure(v, configFile); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log.Debug("opening cache", "dataDir", cfg.DataDir, "api", cfg.APIBase)
	if !api.Init(cfg) {
		return fmt.Errorf("could not open the cache in %s", cfg.DataDir)
	}
	return nil
}

// configure registers defaults, environment overrides and the config file
// on v. An explicit path must exist; otherwise the default places are tried.
func configure(v *viper.Viper, path string) error {
	if err := config.SetDefaults(v); err != nil {
		return err
	}
	v.SetEnvPrefix(config.AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	dirs, err := config.ConfigDirs()
	if err != nil {
		return fmt.Errorf("could not find configuration directory: %w", err)
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, config.AppName)}, dirs...)
	}
	for _, d := range dirs {
		v.AddConfigPath(d)
	}
	v.SetConfigName(config.AppName)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}
	return nil
}

func renderStats(s cache.Stats) string {
	var b strings.Builder
	row := func(label, value string) {
		fmt.Fprintf(&b, "  %-16s %s\n", faint(label), value)
	}
	row("database", s.DatabasePath)
	row("size", humanize.Bytes(uint64(max(s.DatabaseBytes, 0))))
	row("schema", fmt.Sprintf("v%d", s.SchemaVersion))
	row("chord sheets", fmt.Sprintf("%s (%s saved)", keyword(humanize.Comma(int64(s.ChordSheets))), humanize.Comma(int64(s.SavedSheets))))
	row("searches", keyword(humanize.Comma(int64(s.Searches))))
	row("artist lists", humanize.Comma(int64(s.ArtistLists)))
	row("my chord sheets", humanize.Comma(int64(s.MyChordSheets)))
	row("search results", humanize.Comma(int64(s.SearchResults)))
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func main() {
	env, err := config.ParseEnv()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	closer, err := setupLog(env)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default chordcache.yml in the user config directory)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the database and local storage")
	rootCmd.PersistentFlags().String("api", "", "base URL of the chord sheet API")
	rootCmd.PersistentFlags().Bool("ephemeral", false, "keep local storage in memory")
	clearCmd.Flags().Bool("search", false, "only clear cached searches")

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("api_base", rootCmd.PersistentFlags().Lookup("api"))
	_ = viper.BindPFlag("storage.ephemeral", rootCmd.PersistentFlags().Lookup("ephemeral"))

	rootCmd.AddCommand(versionCmd, statsCmd, sweepCmd, clearCmd)
}
