package main

import (
	"fmt"
	"os"

	"github.com/lucamoreira/bluebird/internal/session"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "bbctl",
		Usage: "control a running bluebird session daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Usage: "session name (overrides config default)"},
			&cli.BoolFlag{Name: "json", Usage: "output in JSON format"},
		},
		Commands: []*cli.Command{
			statusCommand(),
			chatsCommand(),
			messagesCommand(),
			sendCommand(),
			retryCommand(),
			deleteCommand(),
			readCommand(),
			searchCommand(),
			resumeCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveClient validates the session flag and returns an HTTP client bound
// to that session's daemon socket.
func resolveClient(c *cli.Context) (*Client, error) {
	name := session.Resolve(c.String("session"))
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	return NewClient(session.SocketPath(name)), nil
}
