package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/mdoc-ble/logger"
	"github.com/user/mdoc-ble/transport"
	"github.com/user/mdoc-ble/util"
)

func main() {
	app := cli.NewApp()

	app.Name = "mdoc-sim"
	app.Usage = "Run an mdoc Reader and Holder against each other over a simulated BLE link"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgLogLevel}

	app.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{"r"},
			Usage:   "Run one request/response exchange",
			Action:  cmdRun,
			Flags: []cli.Flag{
				flgL2CAP, flgHolderL2CAP, flgFailL2CAP, flgMTU,
				flgRequestSize, flgResponseSize, flgFraming,
				flgTranscript, flgSave, flgBlueZ, flgAdapter, flgTimeout, flgRealistic,
			},
		},
		{
			Name:   "uuids",
			Usage:  "Print the characteristic vocabulary",
			Action: cmdUUIDs,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mdoc-sim: %v\n", err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) error {
	logger.SetLevel(logger.ParseLevel(c.GlobalString("log-level")))
	return nil
}

func cmdRun(c *cli.Context) error {
	framing, err := transport.ParseFraming(c.String("framing"))
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	opts := options{
		readerL2CAP:  c.Bool("l2cap"),
		holderL2CAP:  c.BoolT("holder-l2cap"),
		failL2CAP:    c.Bool("fail-l2cap"),
		mtu:          c.Int("mtu"),
		requestSize:  c.Int("request-size"),
		responseSize: c.Int("response-size"),
		framing:      framing,
		realistic:    c.Bool("realistic"),
		timeout:      c.Duration("timeout"),
		transcript:   c.String("transcript"),
	}
	if opts.transcript == "" && c.Bool("save") {
		if opts.transcript, err = util.GetTranscriptDir(); err != nil {
			return cli.NewExitError(err.Error(), 2)
		}
	}
	if c.Bool("bluez") {
		opts.adapter = c.String("adapter")
	}

	res, err := runSession(opts)
	if res != nil {
		res.print(os.Stdout)
	}
	if err != nil {
		return cli.NewExitError(errors.Wrap(err, "exchange failed").Error(), 1)
	}
	return nil
}

func cmdUUIDs(c *cli.Context) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUUID\tROLE\tPROPERTIES\tOPTIONAL")
	for _, spec := range transport.ReaderCharacteristics() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", spec.Name, transport.UUIDString(spec.UUID), spec.Role, spec.Required, spec.Optional)
	}
	for _, spec := range transport.HolderCharacteristics() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", spec.Name, transport.UUIDString(spec.UUID), spec.Role, spec.Required, spec.Optional)
	}
	return w.Flush()
}
