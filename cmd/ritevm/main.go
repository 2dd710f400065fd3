// Command ritevm is the host CLI around package engine: it loads a RITE
// bytecode container, runs it to completion under the cooperative
// scheduler, and can report allocator statistics or drop into an
// interactive single-step console.
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/hasumikin/co2-demo/config"
	"github.com/hasumikin/co2-demo/engine"
	"github.com/hasumikin/co2-demo/log"
	"github.com/hasumikin/co2-demo/rt"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file (default: built-in baseline profile)",
	}
	maxStepsFlag = cli.IntFlag{
		Name:  "max-steps",
		Usage: "instructions per VM run slice, driving the task directly (0: use the scheduler with the configured slice length)",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "log at debug level",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "ritevm"
	app.Usage = "run and inspect RITE bytecode containers"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{configFlag, verboseFlag}
	app.Commands = []cli.Command{
		{
			Name:      "run",
			Usage:     "load a bytecode container and run it to completion",
			ArgsUsage: "<file.rite>",
			Flags:     []cli.Flag{maxStepsFlag},
			Action:    runCommand,
		},
		{
			Name:      "stats",
			Usage:     "load a container, run it, and print allocator statistics",
			ArgsUsage: "<file.rite>",
			Action:    statsCommand,
		},
		{
			Name:      "console",
			Usage:     "load a container and single-step it interactively",
			ArgsUsage: "<file.rite>",
			Action:    consoleCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ritevm: %v\n", err)
		os.Exit(1)
	}
}

func loadConfigAndLogger(ctx *cli.Context) (*config.Config, *log.Logger, error) {
	level := log.LevelInfo
	if ctx.GlobalBool(verboseFlag.Name) {
		level = log.LevelDebug
	}
	logger := log.NewStderr(level)

	path := ctx.GlobalString(configFlag.Name)
	if path == "" {
		return config.Default(), logger, nil
	}
	cfg, err := config.Load(path)
	return cfg, logger, err
}

func loadTask(ctx *cli.Context) (*engine.Runtime, *rt.VM, error) {
	if ctx.NArg() < 1 {
		return nil, nil, cli.NewExitError("usage: ritevm <command> <file.rite>", 1)
	}
	cfg, logger, err := loadConfigAndLogger(ctx)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(ctx.Args().First())
	if err != nil {
		return nil, nil, err
	}
	eng := engine.New(cfg, logger)
	method, err := eng.LoadBytecode(data)
	if err != nil {
		return nil, nil, err
	}
	vm, err := eng.CreateTask(method, rt.Nil(), nil, rt.DefaultPriority)
	if err != nil {
		return nil, nil, err
	}
	return eng, vm, nil
}

func runCommand(ctx *cli.Context) error {
	eng, vm, err := loadTask(ctx)
	if err != nil {
		return err
	}
	maxSteps := ctx.Int(maxStepsFlag.Name)
	if maxSteps > 0 {
		for vm.Status() != rt.StatusDone && vm.Status() != rt.StatusError {
			vm.Run(maxSteps)
		}
	} else {
		eng.Run(nil)
	}

	if vm.Status() == rt.StatusError {
		return cli.NewExitError(fmt.Sprintf("vm %d errored: %v", vm.ID, vm.Err()), 1)
	}
	fmt.Printf("status: %s\nresult: %s\n", vm.Status(), vm.Result().Tag())
	return nil
}

func statsCommand(ctx *cli.Context) error {
	eng, vm, err := loadTask(ctx)
	if err != nil {
		return err
	}
	eng.Run(nil)

	total, used, free, fragment := eng.PoolStatistics()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"metric", "bytes"})
	table.Append([]string{"total", fmt.Sprintf("%d", total)})
	table.Append([]string{"used", fmt.Sprintf("%d", used)})
	table.Append([]string{"free", fmt.Sprintf("%d", free)})
	table.Append([]string{"fragment", fmt.Sprintf("%d", fragment)})
	table.Append([]string{"vm status", vm.Status().String()})
	table.Render()
	return nil
}

// consoleCommand drives a single VM one instruction at a time, printing its
// status after each step. It does not implement breakpoints
// or register inspection; those would need a debug-info side channel the
// RITE container does not carry.
func consoleCommand(ctx *cli.Context) error {
	_, vm, err := loadTask(ctx)
	if err != nil {
		return err
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("ritevm console: step (or s), run (or r), quit (or q)")
	for {
		input, err := line.Prompt(fmt.Sprintf("(vm %d, %s) > ", vm.ID, vm.Status()))
		if err != nil {
			return nil // EOF or Ctrl-D/Ctrl-C
		}
		line.AppendHistory(input)

		switch input {
		case "s", "step", "":
			if vm.Status() == rt.StatusDone || vm.Status() == rt.StatusError {
				fmt.Println("vm has already finished")
				continue
			}
			vm.Run(1)
			fmt.Printf("status=%s\n", vm.Status())
		case "r", "run":
			vm.Run(1 << 30)
			fmt.Printf("status=%s result=%s\n", vm.Status(), vm.Result().Tag())
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Println("unknown command; try step, run, or quit")
		}
	}
}
