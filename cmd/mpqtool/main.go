// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// Command mpqtool inspects and edits MPQ archives.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/woozymasta/pathrules"

	"github.com/suprsokr/mpqedit"
)

type command struct {
	name  string
	usage string
	run   func(args []string, log *slog.Logger) error
}

var commands = []command{
	{"info", "info <archive>", runInfo},
	{"list", "list [-l] <archive>", runList},
	{"extract", "extract [-o dir] <archive> [file...]", runExtract},
	{"add", "add [-encrypt] [-fixkey] [-locale n] [-store pattern] <archive> <src> <archive path>", runAdd},
	{"delete", "delete [-locale n] <archive> <archive path>...", runDelete},
	{"compact", "compact [-shift n] <archive>", runCompact},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage:\n  %s [-v] <command> [args]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.usage)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(flag.Args()[1:], log); err != nil {
			log.Error(name+" failed", "error", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	usage()
	os.Exit(2)
}

func runInfo(args []string, log *slog.Logger) error {
	if len(args) != 1 {
		return errors.New("usage: info <archive>")
	}
	archive, err := mpq.OpenWithOptions(args[0], mpq.OpenOptions{ReadOnly: true, Logger: log})
	if err != nil {
		return err
	}
	defer archive.Close()

	info := archive.Info()
	files, err := archive.ListFiles()
	if err != nil {
		return err
	}
	fmt.Printf("Header offset:  0x%X\n", info.HeaderOffset)
	fmt.Printf("Format version: %d (header %d bytes)\n", info.FormatVersion, info.HeaderSize)
	fmt.Printf("Sector size:    %d\n", info.SectorSize)
	fmt.Printf("Archive size:   %d\n", info.ArchiveSize)
	fmt.Printf("Hash table:     %d entries\n", info.HashTableSize)
	fmt.Printf("Block table:    %d entries\n", info.BlockTableSize)
	fmt.Printf("Hash entries:   %d in use\n", archive.FileCount())
	fmt.Printf("Listed files:   %d\n", len(files))

	sig, err := archive.ReadSignature()
	if err != nil {
		return err
	}
	switch {
	case sig == nil:
		fmt.Println("Signature:      none")
	case sig.Kind == mpq.SignatureWeak:
		fmt.Println("Signature:      weak")
	default:
		fmt.Println("Signature:      strong")
	}
	return nil
}

func runList(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	long := fs.Bool("l", false, "Show modification times from (attributes)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: list [-l] <archive>")
	}
	archive, err := mpq.OpenWithOptions(fs.Arg(0), mpq.OpenOptions{ReadOnly: true, Logger: log})
	if err != nil {
		return err
	}
	defer archive.Close()

	files, err := archive.ListFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if !*long {
			fmt.Println(f)
			continue
		}
		stamp := "-"
		if modTime, ok := archive.FileModTime(f); ok {
			stamp = modTime.UTC().Format(time.DateTime)
		}
		fmt.Printf("%-19s  %s\n", stamp, f)
	}
	return nil
}

func runExtract(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	outDir := fs.String("o", ".", "Output directory")
	verify := fs.Bool("verify", false, "Verify sector checksums")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("usage: extract [-o dir] <archive> [file...]")
	}

	archive, err := mpq.OpenWithOptions(fs.Arg(0), mpq.OpenOptions{
		ReadOnly:              true,
		VerifySectorChecksums: *verify,
		Logger:                log,
	})
	if err != nil {
		return err
	}
	defer archive.Close()

	if fs.NArg() == 1 {
		return archive.ExtractAll(*outDir)
	}
	for _, name := range fs.Args()[1:] {
		rel := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
		if !filepath.IsLocal(rel) {
			return errors.Errorf("refusing to extract %q outside %s", name, *outDir)
		}
		dest := filepath.Join(*outDir, rel)
		if err := archive.ExtractFile(name, dest); err != nil {
			return err
		}
		log.Info("extracted", "file", name, "dest", dest)
	}
	return nil
}

func runAdd(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	encrypt := fs.Bool("encrypt", false, "Encrypt the file")
	fixKey := fs.Bool("fixkey", false, "Bind the encryption key to the file position")
	locale := fs.Uint("locale", 0, "Locale ID")
	single := fs.Bool("single", false, "Store as a single unit")
	crc := fs.Bool("crc", false, "Write sector checksums")
	store := fs.String("store", "", "Comma separated patterns of files stored uncompressed")
	fs.Parse(args)
	if fs.NArg() != 3 {
		return errors.New("usage: add [flags] <archive> <src> <archive path>")
	}

	archive, err := openOrCreate(fs.Arg(0), log)
	if err != nil {
		return err
	}

	src := fs.Arg(1)
	opts := mpq.InsertOptions{
		Copy:            true,
		Locale:          uint16(*locale),
		Encrypt:         *encrypt,
		FixKey:          *fixKey,
		SingleUnit:      *single,
		SectorChecksums: *crc,
	}
	if src == "-" {
		var data []byte
		if data, err = io.ReadAll(os.Stdin); err == nil {
			err = archive.Insert(fs.Arg(2), data, opts)
		}
	} else {
		err = archive.InsertFile(fs.Arg(2), src, opts)
	}
	if err != nil {
		archive.Discard()
		return err
	}

	closeOpts := mpq.DefaultCloseOptions()
	for _, p := range strings.Split(*store, ",") {
		if p = strings.TrimSpace(p); p != "" {
			closeOpts.Compress = append(closeOpts.Compress, pathrules.Rule{Action: pathrules.ActionExclude, Pattern: p})
		}
	}
	return closeOrDiscard(archive, closeOpts)
}

func runDelete(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	locale := fs.Int("locale", -1, "Delete only this locale ID")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return errors.New("usage: delete [-locale n] <archive> <archive path>...")
	}
	archive, err := mpq.OpenWithOptions(fs.Arg(0), mpq.OpenOptions{Logger: log})
	if err != nil {
		return err
	}
	for _, name := range fs.Args()[1:] {
		if !archive.HasFile(name) {
			log.Warn("not in archive", "file", name)
		}
		if *locale >= 0 {
			err = archive.DeleteLocale(name, uint16(*locale))
		} else {
			err = archive.Delete(name)
		}
		if err != nil {
			archive.Discard()
			return err
		}
	}
	return closeOrDiscard(archive, mpq.DefaultCloseOptions())
}

func runCompact(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	shift := fs.Uint("shift", 0, "New sector size shift (512 << n)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: compact [-shift n] <archive>")
	}

	archive, err := mpq.OpenWithOptions(fs.Arg(0), mpq.OpenOptions{Logger: log})
	if err != nil {
		return err
	}
	opts := mpq.DefaultCloseOptions()
	opts.Recompress = mpq.RecompressOptions{Enabled: true, SectorSizeShift: uint16(*shift)}
	return closeOrDiscard(archive, opts)
}

func openOrCreate(path string, log *slog.Logger) (*mpq.Archive, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Info("creating archive", "path", path)
		return mpq.Create(path, 16)
	}
	archive, err := mpq.OpenWithOptions(path, mpq.OpenOptions{Logger: log})
	return archive, errors.Wrapf(err, "open %s", path)
}

func closeOrDiscard(archive *mpq.Archive, opts mpq.CloseOptions) error {
	if err := archive.CloseWithOptions(opts); err != nil {
		archive.Discard()
		return err
	}
	return nil
}
