package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	flgLogLevel     = cli.StringFlag{Name: "log-level, l", Value: "info", Usage: "trace, debug, info, warn or error"}
	flgL2CAP        = cli.BoolFlag{Name: "l2cap", Usage: "Reader offers the L2CAP-PSM characteristic"}
	flgHolderL2CAP  = cli.BoolTFlag{Name: "holder-l2cap", Usage: "Holder takes L2CAP when offered"}
	flgFailL2CAP    = cli.BoolFlag{Name: "fail-l2cap", Usage: "Inject a channel open failure on the Holder radio"}
	flgMTU          = cli.IntFlag{Name: "mtu", Value: 517, Usage: "Largest ATT MTU the Reader radio accepts"}
	flgRequestSize  = cli.IntFlag{Name: "request-size", Value: 1024, Usage: "Request size in bytes"}
	flgResponseSize = cli.IntFlag{Name: "response-size", Value: 4096, Usage: "Response size in bytes"}
	flgFraming      = cli.StringFlag{Name: "framing", Value: "idle", Usage: "L2CAP framing: idle or length"}
	flgTranscript   = cli.StringFlag{Name: "transcript", Usage: "Directory to save the session transcript in"}
	flgSave         = cli.BoolFlag{Name: "save", Usage: "Save the transcript under $MDOC_BLE_DIR/transcripts"}
	flgBlueZ        = cli.BoolFlag{Name: "bluez", Usage: "Follow the power state of a host BlueZ adapter"}
	flgAdapter      = cli.StringFlag{Name: "adapter", Value: "hci0", Usage: "BlueZ adapter name"}
	flgTimeout      = cli.DurationFlag{Name: "timeout, t", Value: 30 * time.Second, Usage: "Give up after this long"}
	flgRealistic    = cli.BoolFlag{Name: "realistic", Usage: "Use realistic link timing instead of a perfect link"}
)
