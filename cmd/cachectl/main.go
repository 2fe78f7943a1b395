package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr/funcr"
	flag "github.com/spf13/pflag"

	cache "github.com/unkn0wn-root/rendercache"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: cachectl [flags] <command>

commands:
  stats                  print cache telemetry
  memory                 print per-plugin memory usage
  clear                  drop every entry and tile file
  flush                  sync mapped pages to disk
  remove-plugin <id>     drop all entries of one plugin

flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		dir     = flag.String("dir", "", "cache directory (default: per-user cache dir)")
		robust  = flag.Bool("robust", true, "attach in crash-tolerant mode")
		maxSize = flag.Int64("max-size", 0, "capacity in bytes (default 8 GiB)")
		verbose = flag.BoolP("verbose", "v", false, "log diagnostics to stderr")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg := cache.DefaultConfig()
	cfg.Dir = *dir
	cfg.Robust = *robust
	if *maxSize > 0 {
		cfg.MaxSize = *maxSize
	}
	cfg.EvictionInterval = 0
	if *verbose {
		cfg.Logger = funcr.New(func(prefix, args string) {
			fmt.Fprintln(os.Stderr, prefix, args)
		}, funcr.Options{})
	}

	c, err := cache.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := run(c, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
}

func run(c *cache.Cache, args []string) error {
	switch args[0] {
	case "stats":
		s, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("entries:    %d\n", s.Entries)
		fmt.Printf("size:       %d bytes\n", s.Size)
		fmt.Printf("capacity:   %d bytes\n", s.Capacity)
		fmt.Printf("tile files: %d\n", s.TileFiles)
		fmt.Printf("attached:   %d\n", s.Attached)
		return nil
	case "memory":
		perPlugin, err := c.MemoryStats()
		if err != nil {
			return err
		}
		for plugin, bytes := range perPlugin {
			if plugin == "" {
				plugin = "(untagged)"
			}
			fmt.Printf("%-40s %d bytes\n", plugin, bytes)
		}
		return nil
	case "clear":
		return c.Clear()
	case "flush":
		return c.Flush(true)
	case "remove-plugin":
		if len(args) < 2 {
			return fmt.Errorf("remove-plugin needs a plugin id")
		}
		return c.RemovePluginEntries(args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}
