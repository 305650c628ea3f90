// Command betctl signs ledger commands locally and submits them to a
// betledger server.
//
//	betctl [global flags] <keygen|address|create|invest|settle|claim|bet> [flags]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/betledger/internal/client"
	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/units"
)

type globals struct {
	server   string
	key      string
	keyFile  string
	password string
	wait     time.Duration
}

func main() {
	_ = godotenv.Load()

	var g globals
	flag.StringVar(&g.server, "server", envOr("BETCTL_SERVER", "http://localhost:8000"), "ledger server URL")
	flag.StringVar(&g.key, "key", os.Getenv("BETCTL_KEY"), "hex private key")
	flag.StringVar(&g.keyFile, "keyfile", envOr("BETCTL_KEYFILE", "betctl.key.json"), "encrypted key file")
	flag.StringVar(&g.password, "password", os.Getenv("BETCTL_PASSWORD"), "key file password")
	flag.DurationVar(&g.wait, "wait", 30*time.Second, "how long to wait for confirmation")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, g, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "betctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: betctl [global flags] <keygen|address|create|invest|settle|claim|bet> [flags]")
	flag.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, g globals, cmd string, args []string) error {
	switch cmd {
	case "keygen":
		return keygen(g, args)
	case "address":
		signer, err := g.signer()
		if err != nil {
			return err
		}
		fmt.Println(signer.Address())
		return nil
	case "create":
		return create(ctx, g, args)
	case "invest":
		return invest(ctx, g, args)
	case "settle":
		return betCommand(ctx, g, domain.CommandSettleBet, args)
	case "claim":
		return betCommand(ctx, g, domain.CommandClaimRewards, args)
	case "bet":
		return showBet(ctx, g, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (g globals) signer() (*crypto.Signer, error) {
	pk, err := crypto.LoadKey(crypto.KeySource{RawPrivateKey: g.key, KeyFilePath: g.keyFile, Password: g.password})
	if err != nil {
		return nil, err
	}
	return crypto.NewSignerFromKey(pk), nil
}

func keygen(g globals, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", g.keyFile, "where to write the encrypted key file")
	force := fs.Bool("force", false, "overwrite an existing key file")
	fs.Parse(args)

	if g.password == "" {
		return errors.New("keygen: set -password or BETCTL_PASSWORD")
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("keygen: %s exists (use -force to overwrite)", *out)
	}
	pk, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	data, err := crypto.EncryptKey(pk, g.password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", *out, err)
	}
	fmt.Printf("wrote %s for %s\n", *out, crypto.NewSignerFromKey(pk).Address())
	return nil
}

// parseDeadline accepts RFC 3339 or a duration from now such as "48h".
func parseDeadline(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d).Truncate(time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deadline %q: want RFC 3339 or a duration", s)
	}
	return t, nil
}

func splitOutcomes(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func create(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	title := fs.String("title", "", "bet title")
	description := fs.String("description", "", "bet description")
	outcomes := fs.String("outcomes", "", "comma-separated outcome labels")
	investBy := fs.String("invest-by", "24h", "investment deadline (RFC 3339 or duration from now)")
	settleBy := fs.String("settle-by", "48h", "settlement deadline (RFC 3339 or duration from now)")
	fs.Parse(args)

	now := time.Now().UTC()
	inv, err := parseDeadline(*investBy, now)
	if err != nil {
		return err
	}
	settle, err := parseDeadline(*settleBy, now)
	if err != nil {
		return err
	}
	signer, err := g.signer()
	if err != nil {
		return err
	}

	draft := domain.BetDraft{
		Creator:            signer.Address(),
		Title:              *title,
		Description:        *description,
		Outcomes:           splitOutcomes(*outcomes),
		InvestmentDeadline: inv,
		SettlementDeadline: settle,
	}
	c := client.New(g.server, signer)
	ref, err := c.UploadMetadata(ctx, domain.MetadataFromDraft(draft))
	if err != nil {
		return err
	}
	draft.ExternalRef = ref

	r, err := c.Execute(ctx, domain.Command{Type: domain.CommandCreateBet, Draft: &draft}, g.wait)
	if err != nil {
		return err
	}
	fmt.Printf("created bet %d (tx %s, metadata %s)\n", r.BetID, r.TxID, ref)
	return printBet(ctx, c, r.BetID)
}

func invest(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("invest", flag.ExitOnError)
	betID := fs.Uint64("bet", 0, "bet id")
	outcome := fs.Int("outcome", 0, "outcome index")
	ether := fs.String("amount", "", "stake in ether, e.g. 0.25")
	wei := fs.String("wei", "", "stake in wei (overrides -amount)")
	fs.Parse(args)

	var amount *big.Int
	var err error
	switch {
	case *wei != "":
		amount, err = units.ParseWei(*wei)
	case *ether != "":
		amount, err = units.ParseEther(*ether)
	default:
		err = errors.New("invest: -amount or -wei is required")
	}
	if err != nil {
		return err
	}

	signer, err := g.signer()
	if err != nil {
		return err
	}
	c := client.New(g.server, signer)
	r, err := c.Execute(ctx, domain.Command{Type: domain.CommandInvest, BetID: *betID, Outcome: *outcome, Amount: amount}, g.wait)
	if err != nil {
		return err
	}
	fmt.Printf("invested %s ETH in bet %d outcome %d (tx %s)\n", units.FormatEther(amount), *betID, *outcome, r.TxID)
	return printBet(ctx, c, *betID)
}

func betCommand(ctx context.Context, g globals, typ domain.CommandType, args []string) error {
	fs := flag.NewFlagSet(string(typ), flag.ExitOnError)
	betID := fs.Uint64("bet", 0, "bet id")
	outcome := fs.Int("outcome", 0, "winning outcome (settle) or claimed outcome (claim)")
	fs.Parse(args)

	signer, err := g.signer()
	if err != nil {
		return err
	}
	c := client.New(g.server, signer)
	r, err := c.Execute(ctx, domain.Command{Type: typ, BetID: *betID, Outcome: *outcome}, g.wait)
	if err != nil {
		return err
	}
	switch typ {
	case domain.CommandSettleBet:
		fmt.Printf("settled bet %d on outcome %d (tx %s)\n", *betID, *outcome, r.TxID)
	case domain.CommandClaimRewards:
		payout := "0"
		if r.Payout != nil {
			payout = r.Payout.Ether.String()
		}
		fmt.Printf("claimed %s ETH from bet %d (tx %s)\n", payout, *betID, r.TxID)
	}
	return printBet(ctx, c, *betID)
}

func showBet(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("bet", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("bet: usage: betctl bet <id>")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("bet: invalid id %q", fs.Arg(0))
	}
	return printBet(ctx, client.New(g.server, nil), id)
}

func printBet(ctx context.Context, c *client.Client, id uint64) error {
	b, err := c.GetBet(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "bet\t%d  %s\n", b.ID, b.Title)
	fmt.Fprintf(w, "phase\t%s\n", b.Phase)
	fmt.Fprintf(w, "invest by\t%s\n", b.InvestmentDeadline.Local().Format(time.RFC1123))
	fmt.Fprintf(w, "settle by\t%s\n", b.SettlementDeadline.Local().Format(time.RFC1123))
	for i, label := range b.Outcomes {
		pool := "0"
		if i < len(b.Pools) {
			pool = b.Pools[i].Ether.String()
		}
		marker := ""
		if b.WinningOutcome != nil && *b.WinningOutcome == i {
			marker = "  (winner)"
		}
		fmt.Fprintf(w, "  [%d] %s\t%s ETH%s\n", i, label, pool, marker)
	}
	if b.TotalPool != nil {
		fmt.Fprintf(w, "total\t%s ETH\n", b.TotalPool.Ether.String())
	}
	if b.Settled {
		fmt.Fprintf(w, "paid out\t%s ETH\n", b.PaidOut.Ether.String())
	}
	if b.MetadataError != "" {
		fmt.Fprintf(w, "metadata\tunavailable: %s\n", b.MetadataError)
	}
	return w.Flush()
}
