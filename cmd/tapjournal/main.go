// Command tapjournal is a thin CLI driver over vhdjournal, giving operators
// a complete tool path to create, open, commit, revert, remove, and journal
// blocks against a VHD's undo log without writing Go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/vhdtap/tapcore/vhdjournal"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "tapjournal:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return usageError{}
	}
	sub, rest := args[0], args[1:]
	ctx := context.Background()

	switch sub {
	case "create":
		return cmdCreate(ctx, rest)
	case "open":
		return cmdOpen(ctx, rest)
	case "commit":
		return cmdCommit(ctx, rest)
	case "revert":
		return cmdRevert(ctx, rest)
	case "remove":
		return cmdRemove(ctx, rest)
	case "add-block":
		return cmdAddBlock(ctx, rest)
	case "-h", "-help", "--help", "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown subcommand %q", sub)
	}
}

type usageError struct{}

func (usageError) Error() string {
	printUsage()
	return "a subcommand is required"
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: tapjournal <subcommand> <vhd-path> [flags]

subcommands:
  create  <vhd-path>                         create a journal sidecar
  open    <vhd-path>                         crash-recovery open (replays metadata)
  commit  <vhd-path>                         commit an open journal
  revert  <vhd-path>                         revert an open journal
  remove  <vhd-path>                         unpoison and delete the sidecar
  add-block <vhd-path> -block N [-mode metadata|data|both]
`)
}

func vhdPathArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one vhd path, got %d", fs.NArg())
	}
	return fs.Arg(0), nil
}

func cmdCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	path, err := vhdPathArg(fs, args)
	if err != nil {
		return err
	}
	j, err := vhdjournal.Create(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()
	fmt.Printf("created journal for %s\n", path)
	return nil
}

func cmdOpen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("open", flag.ContinueOnError)
	path, err := vhdPathArg(fs, args)
	if err != nil {
		return err
	}
	j, err := vhdjournal.Open(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()
	fmt.Printf("replayed metadata for %s; choose commit or revert next\n", path)
	return nil
}

func cmdCommit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("commit", flag.ContinueOnError)
	path, err := vhdPathArg(fs, args)
	if err != nil {
		return err
	}
	j, err := vhdjournal.Open(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()
	if err := j.Commit(ctx); err != nil {
		return err
	}
	fmt.Printf("committed journal for %s\n", path)
	return nil
}

func cmdRevert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revert", flag.ContinueOnError)
	path, err := vhdPathArg(fs, args)
	if err != nil {
		return err
	}
	j, err := vhdjournal.Open(ctx, path)
	if err != nil {
		return err
	}
	defer j.Close()
	if err := j.Revert(ctx); err != nil {
		return err
	}
	fmt.Printf("reverted journal for %s\n", path)
	return nil
}

func cmdRemove(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	path, err := vhdPathArg(fs, args)
	if err != nil {
		return err
	}
	j, err := vhdjournal.Open(ctx, path)
	if err != nil {
		return err
	}
	return j.Remove(ctx)
}

func cmdAddBlock(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-block", flag.ContinueOnError)
	block := fs.Int("block", -1, "block number to journal")
	modeFlag := fs.String("mode", "both", "metadata | data | both")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one vhd path, got %d", fs.NArg())
	}
	path := fs.Arg(0)
	if *block < 0 {
		return fmt.Errorf("-block is required and must be >= 0")
	}

	var mode vhdjournal.Mode
	switch *modeFlag {
	case "metadata":
		mode = vhdjournal.Metadata
	case "data":
		mode = vhdjournal.Data
	case "both":
		mode = vhdjournal.Metadata | vhdjournal.Data
	default:
		return fmt.Errorf("invalid -mode %q: want metadata, data, or both", *modeFlag)
	}

	j, err := vhdjournal.Create(ctx, path)
	if errors.Is(err, vhdjournal.ErrAlreadyExists) {
		j, err = vhdjournal.Open(ctx, path)
	}
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	if err := j.AddBlock(ctx, uint32(*block), mode); err != nil {
		return err
	}
	fmt.Printf("journaled block %s of %s\n", strconv.Itoa(*block), path)
	return nil
}
