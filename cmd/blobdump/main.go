// Command blobdump assembles a sample compiled method, bakes it, installs it
// into a code cache and prints the resulting code and side tables.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/codeblob/internal/asm/amd64"
	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/codecache"
	"github.com/tinyrange/codeblob/internal/config"
	"github.com/tinyrange/codeblob/internal/persist"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "blobdump: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("blobdump", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default: built-in settings)")
	imagePath := fs.String("o", "", "Write the baked blob as a CBOR image to this file")
	elfPath := fs.String("elf", "", "Write the code as an ELF file for disassembly")
	install := fs.Bool("install", true, "Install the blob into executable memory")
	verbose := fs.Bool("v", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: blobdump [flags]\n\n")
		fmt.Fprintf(fs.Output(), "Assemble, bake and dump a sample compiled method.\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	b, err := buildSample(cfg.AssemblerOptions(log)...)
	if err != nil {
		return err
	}
	if err := b.DebugMap().Verify(nil); err != nil {
		return fmt.Errorf("verify debug info: %w", err)
	}
	fmt.Fprintln(out, b)
	fmt.Fprintf(out, "oop maps: %s layout, %d bytes; debug info: %d bytes\n",
		b.OopMaps().Layout(), b.OopMaps().SizeBytes(), b.DebugMap().SizeBytes())

	if *install {
		if err := dumpInstalled(out, b, cfg, log); err != nil {
			return err
		}
	}

	if *imagePath != "" {
		data, err := persist.Encode(b)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*imagePath, data, 0o644); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
		log.Info("wrote image", "path", *imagePath, "size", len(data))
	}

	if *elfPath != "" {
		data, err := amd64.WriteImage(b.Program(), amd64.DefaultImageConfig())
		if err != nil {
			return fmt.Errorf("build ELF image: %w", err)
		}
		if err := os.WriteFile(*elfPath, data, 0o755); err != nil {
			return fmt.Errorf("write ELF image: %w", err)
		}
		log.Info("wrote ELF image", "path", *elfPath, "size", len(data))
	}
	return nil
}

func dumpInstalled(out io.Writer, b *codeblob.Blob, cfg config.Config, log *slog.Logger) error {
	cache := codecache.New(cfg.CacheOptions(log)...)
	defer cache.Close()

	in, err := cache.Install(b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "installed at %#x (%d bytes mapped)\n", in.Base(), in.Size())
	for name, off := range b.Entries() {
		pc := in.Base() + uintptr(off)
		if found, ok := cache.Find(pc); !ok || found != in {
			return fmt.Errorf("entry %s at %#x not found in code cache", name, pc)
		}
	}
	var failed error
	b.Implicit().Each(func(from, to int) {
		handler, ok := in.Handler(in.Base() + uintptr(from))
		if !ok || handler != in.Base()+uintptr(to) {
			failed = fmt.Errorf("fault at +%d does not resolve to +%d", from, to)
			return
		}
		fmt.Fprintf(out, "fault %#x -> %#x\n", in.Base()+uintptr(from), handler)
	})
	return failed
}
