package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	cli.HelpFlag = &cli.StringFlag{Hidden: true}
	cli.VersionFlag = &cli.StringFlag{Hidden: true}

	c := cli.NewApp()
	c.CommandNotFound = func(ctx *cli.Context, command string) {
		fmt.Printf("Command not found: %v\n", command)
		os.Exit(1)
	}
	c.Version = version
	c.Usage = "MicroPython device control CLI"
	c.Commands = []*cli.Command{
		{Name: "cat", Usage: "Read file", Action: cmdCat, ArgsUsage: "file"},
		{Name: "cd", Usage: "Change directory", Action: cmdCd, ArgsUsage: "path"},
		{Name: "get", Usage: "Copy a file from the device", Action: cmdGet, ArgsUsage: "dst src"},
		{Name: "help", Usage: "Shows all commands or help for one command", ArgsUsage: "[command]", Action: cmdHelp},
		{Name: "ls", Usage: "List files", Action: cmdLs, ArgsUsage: "[path]"},
		{Name: "mkdir", Usage: "Make directory", Action: cmdMkdir, ArgsUsage: "dir"},
		{Name: "put", Usage: "Copy a file to the device", Action: cmdPut, ArgsUsage: "dst src"},
		{Name: "pwd", Usage: "Print working directory", Action: cmdPwd},
		{Name: "reboot", Usage: "Perform a soft reboot", Action: cmdReboot},
		{Name: "repl", Usage: "Open the MicroPython REPL", Action: cmdRepl},
		{Name: "rm", Usage: "Delete file", Action: cmdRm, ArgsUsage: "file"},
		{Name: "rmdir", Usage: "Remove directory", Action: cmdRmdir, ArgsUsage: "dir"},
		{Name: "upload", Usage: "Copy all files in a local directory to the device", Action: cmdUpload, ArgsUsage: "localdir [remotedir]"},
		{Name: "run", Usage: "Execute a Python expression and print its result", Action: cmdRun, ArgsUsage: "code"},
		{Name: "call", Usage: "Call a device-side function by name", Action: cmdCall, ArgsUsage: "method [args...]"},
		{
			Name:  "version",
			Usage: "Print pym version",
			Action: func(ctx *cli.Context) error {
				fmt.Println(c.Version)
				return nil
			},
		},
	}
	c.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "device",
			Aliases:  []string{"d"},
			Usage:    "Connection string, e.g. serial:/dev/ttyACM0 or subprocess:micropython",
			Required: true,
			EnvVars:  []string{"PYM_DEVICE"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Value:   0,
			Usage:   "Per-operation timeout; 0 uses the session default",
			EnvVars: []string{"PYM_TIMEOUT"},
		},
	}
	if err := c.Run(os.Args); err != nil {
		fmt.Println("\nERROR:", err)
		os.Exit(1)
	}
}
