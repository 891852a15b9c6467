package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/decred/dcrd/dcrjson/v2"
	"github.com/matheusd/holdd/holdrpc"
	"github.com/urfave/cli"
)

var (
	rpcServerFlag = cli.StringFlag{
		Name:  "rpcserver",
		Value: "localhost:9393",
		Usage: "host:port of holdd's JSON-RPC interface",
	}
	rpcUserFlag = cli.StringFlag{
		Name:  "rpcuser, u",
		Usage: "username for RPC connections",
	}
	rpcPassFlag = cli.StringFlag{
		Name:  "rpcpass, P",
		Usage: "password for RPC connections",
	}
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[holdctl] %v\n", err)
	os.Exit(1)
}

// sendCommand marshals cmd, posts it to the daemon and prints the result as
// indented JSON.
func sendCommand(ctx *cli.Context, cmd interface{}) error {
	payload, err := dcrjson.MarshalCmd("1.0", 1, cmd)
	if err != nil {
		return err
	}

	url := "http://" + ctx.GlobalString(rpcServerFlag.Name)
	req, err := http.NewRequest(
		http.MethodPost, url, bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.SetBasicAuth(
		ctx.GlobalString("rpcuser"), ctx.GlobalString("rpcpass"),
	)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}

	var resp struct {
		Result json.RawMessage   `json:"result"`
		Error  *dcrjson.RPCError `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unable to parse reply: %v (%s)", err, body)
	}

	if resp.Error != nil {
		return resp.Error
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp.Result, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())

	return nil
}

var holdInvoiceCommand = cli.Command{
	Name:      "holdinvoice",
	Usage:     "Create a new hold invoice from a signed payment request.",
	ArgsUsage: "payreq",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "holdinvoice")
		}

		return sendCommand(ctx, &holdrpc.HoldInvoiceCmd{
			PayReq: ctx.Args().First(),
		})
	},
}

var listHoldInvoicesCommand = cli.Command{
	Name:      "listholdinvoices",
	Usage:     "List hold invoices, optionally filtered by payment hash.",
	ArgsUsage: "[paymenthash]",
	Action: func(ctx *cli.Context) error {
		cmd := &holdrpc.ListHoldInvoicesCmd{}
		if ctx.NArg() > 0 {
			hash := ctx.Args().First()
			cmd.PaymentHash = &hash
		}

		return sendCommand(ctx, cmd)
	},
}

var settleHoldInvoiceCommand = cli.Command{
	Name:      "settleholdinvoice",
	Usage:     "Reveal the preimage of an accepted hold invoice, settling all held htlcs.",
	ArgsUsage: "preimage",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "settleholdinvoice")
		}

		return sendCommand(ctx, &holdrpc.SettleHoldInvoiceCmd{
			Preimage: ctx.Args().First(),
		})
	},
}

var cancelHoldInvoiceCommand = cli.Command{
	Name:      "cancelholdinvoice",
	Usage:     "Cancel a hold invoice, failing all held htlcs back.",
	ArgsUsage: "paymenthash",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "cancelholdinvoice")
		}

		return sendCommand(ctx, &holdrpc.CancelHoldInvoiceCmd{
			PaymentHash: ctx.Args().First(),
		})
	},
}

var wipeHoldInvoicesCommand = cli.Command{
	Name:      "wipeholdinvoices",
	Usage:     "Delete one or all hold invoice records. Bypasses the state machine; htlcs still held are orphaned.",
	ArgsUsage: "[paymenthash]",
	Action: func(ctx *cli.Context) error {
		cmd := &holdrpc.WipeHoldInvoicesCmd{}
		if ctx.NArg() > 0 {
			hash := ctx.Args().First()
			cmd.PaymentHash = &hash
		}

		return sendCommand(ctx, cmd)
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "holdctl"
	app.Usage = "control plane for your holdd daemon"
	app.Flags = []cli.Flag{rpcServerFlag, rpcUserFlag, rpcPassFlag}
	app.Commands = []cli.Command{
		holdInvoiceCommand,
		listHoldInvoicesCommand,
		settleHoldInvoiceCommand,
		cancelHoldInvoiceCommand,
		wipeHoldInvoicesCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
