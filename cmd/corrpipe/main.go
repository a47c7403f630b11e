package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type app struct {
	args []string
}

type command interface {
	Name() string
	Help() string
	Run() error
	Register(*flag.FlagSet)
}

func (a *app) run() int {
	cmdName, args := parseArgs(a.args)
	if cmdName == "" {
		printUsage()
		return errorExitCode
	}

	for _, cmd := range commands {
		if cmd.Name() == cmdName {
			flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)
			cmd.Register(flags)
			if err := flags.Parse(args); err != nil {
				flags.PrintDefaults()
				return errorExitCode
			}
			if err := cmd.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Command failed: %v\n", err)
				return errorExitCode
			}
			return successExitCode
		}
	}

	printUsage()
	return errorExitCode
}

var (
	successExitCode = 0
	errorExitCode   = 1
	commands        = []command{&processCommand{}, &synthCommand{}}
)

func main() {
	a := app{
		args: os.Args,
	}
	os.Exit(a.run())
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func printUsage() {
	fmt.Println("Corrpipe preprocesses correlator output")
	fmt.Println()
	fmt.Println("Usage: corrpipe <command>")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}

// intList is a comma separated list of integers.
type intList []int

func (l *intList) String() string {
	s := make([]string, len(*l))
	for i, v := range *l {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}

func (l *intList) Set(value string) error {
	for _, s := range strings.Split(value, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		*l = append(*l, v)
	}
	return nil
}
