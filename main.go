package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"github.com/xyproto/env/v2"
	"gopkg.in/alecthomas/kingpin.v2"

	"moria.us/reserveva/reserve"
)

// debugEnv enables debug logging when set to a true value.
const debugEnv = "RESERVE_VA_DEBUG"

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if !env.Bool(debugEnv) {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

func mainE(args []string) error {
	var input, output string
	app := kingpin.New(filepath.Base(os.Args[0]),
		"Add a loadable segment to an ELF executable which reserves a range of its address space.")
	app.HelpFlag.Short('h')
	app.Arg("input", "Input ELF file.").Required().StringVar(&input)
	app.Arg("output", "Output ELF file.").Required().StringVar(&output)
	if _, err := app.Parse(args); err != nil {
		return err
	}

	r := reserve.New(afero.NewOsFs(), newLogger(), reserve.DefaultConfig())
	if err := r.Reserve(input, output); err != nil {
		return err
	}
	return r.Verify(input, output)
}

func main() {
	if err := mainE(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}
