// Command metatx signs ledger instructions locally and relays them to a
// ledger server.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/metatx_ledger/internal/httputil"
	"github.com/R3E-Network/metatx_ledger/internal/keys"
	"github.com/R3E-Network/metatx_ledger/internal/metatx"
)

const usage = `usage: metatx <command> [flags]

commands:
  keygen    generate a holder key
  address   derive the ledger address of a public key
  sign      sign an instruction offline and print the request body
  submit    sign and relay a trade instruction
  withdraw  sign and relay a withdrawal
  account   show an account's balance and counter
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "metatx %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "keygen":
		return cmdKeygen(args, out)
	case "address":
		return cmdAddress(args, out)
	case "sign":
		return cmdSign(args, out)
	case "submit":
		return cmdRelay(ctx, metatx.PurposeTrade, args, out)
	case "withdraw":
		return cmdRelay(ctx, metatx.PurposeWithdraw, args, out)
	case "account":
		return cmdAccount(ctx, args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	scheme := fs.String("scheme", string(keys.SchemeEd25519), "ed25519 or secp256r1")
	if err := fs.Parse(args); err != nil {
		return err
	}
	priv, err := keys.GenerateKey(keys.Scheme(*scheme))
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{
		"private_key": priv.String(),
		"public_key":  hex.EncodeToString(priv.Public().Bytes()),
		"address":     priv.Public().Address(),
	})
}

func cmdAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	pubHex := fs.String("pub", "", "hex public key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(*pubHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	addr, err := keys.DeriveAddress(pub)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, addr)
	return err
}

type signFlags struct {
	key       *string
	direction *string
	amount    *uint64
	expiry    *int64
	ttl       *time.Duration
	counter   *int64
}

func addSignFlags(fs *flag.FlagSet) signFlags {
	return signFlags{
		key:       fs.String("key", os.Getenv("METATX_KEY"), "private key as scheme:hex (default $METATX_KEY)"),
		direction: fs.String("direction", "decrease", "increase or decrease (trade only)"),
		amount:    fs.Uint64("amount", 0, "amount"),
		expiry:    fs.Int64("expiry", 0, "expiry as unix seconds (overrides -ttl)"),
		ttl:       fs.Duration("ttl", 10*time.Minute, "validity window from now"),
		counter:   fs.Int64("counter", -1, "account counter (-1 fetches it from the server)"),
	}
}

func (f signFlags) expiryTime(now time.Time) time.Time {
	if *f.expiry > 0 {
		return time.Unix(*f.expiry, 0)
	}
	return now.Add(*f.ttl)
}

// signRequest builds the JSON body accepted by the ledger API.
func signRequest(priv keys.PrivateKey, purpose metatx.Purpose, direction metatx.Direction,
	amount uint64, expiry time.Time, domainID string, counter uint64) (map[string]interface{}, error) {
	msg := metatx.Message{
		Purpose:   purpose,
		Direction: direction,
		Amount:    amount,
		Expiry:    expiry,
		DomainID:  domainID,
		Counter:   counter,
	}
	hash, err := msg.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := priv.Sign(hash)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"public_key": hex.EncodeToString(priv.Public().Bytes()),
		"signature":  hex.EncodeToString(sig),
		"amount":     amount,
		"expiry":     expiry.Unix(),
		"counter":    counter,
	}
	if purpose == metatx.PurposeTrade {
		body["direction"] = direction.String()
	}
	return body, nil
}

func cmdSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	sf := addSignFlags(fs)
	domain := fs.String("domain", "", "domain id of the target ledger")
	withdraw := fs.Bool("withdraw", false, "sign a withdrawal instead of a trade")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sf.counter < 0 {
		return errors.New("-counter is required when signing offline")
	}
	priv, err := keys.ParsePrivateKey(*sf.key)
	if err != nil {
		return err
	}
	dir, err := metatx.ParseDirection(*sf.direction)
	if err != nil {
		return err
	}
	purpose := metatx.PurposeTrade
	if *withdraw {
		purpose, dir = metatx.PurposeWithdraw, metatx.Decrease
	}
	body, err := signRequest(priv, purpose, dir, *sf.amount, sf.expiryTime(time.Now()), *domain, uint64(*sf.counter))
	if err != nil {
		return err
	}
	return writeJSON(out, body)
}

func newClient(fs *flag.FlagSet) (*string, *string) {
	server := fs.String("server", envOr("METATX_SERVER", "http://localhost:8080"), "ledger base URL")
	relayer := fs.String("relayer", os.Getenv("METATX_RELAYER"), "relayer id sent as X-Relayer-ID")
	return server, relayer
}

func cmdRelay(ctx context.Context, purpose metatx.Purpose, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(purpose.String(), flag.ContinueOnError)
	sf := addSignFlags(fs)
	server, relayer := newClient(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	priv, err := keys.ParsePrivateKey(*sf.key)
	if err != nil {
		return err
	}
	dir := metatx.Decrease
	if purpose == metatx.PurposeTrade {
		if dir, err = metatx.ParseDirection(*sf.direction); err != nil {
			return err
		}
	}

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: *server, RelayerID: *relayer})

	domain, err := getJSON(ctx, client, "/v1/domain")
	if err != nil {
		return err
	}
	domainID := gjson.GetBytes(domain, "domain_id").String()

	counter := *sf.counter
	if counter < 0 {
		acct, err := getJSON(ctx, client, "/v1/accounts/"+url.PathEscape(priv.Public().Address()))
		if err != nil {
			return err
		}
		counter = int64(gjson.GetBytes(acct, "counter").Uint())
	}

	body, err := signRequest(priv, purpose, dir, *sf.amount, sf.expiryTime(time.Now()), domainID, uint64(counter))
	if err != nil {
		return err
	}

	path := "/v1/instructions"
	if purpose == metatx.PurposeWithdraw {
		path = "/v1/withdrawals"
	}
	resp, err := client.Post(ctx, path, body)
	if err != nil {
		return err
	}
	var entry json.RawMessage
	if err := httputil.DecodeResponse(resp, &entry); err != nil {
		return err
	}
	return writeJSON(out, entry)
}

func cmdAccount(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("account", flag.ContinueOnError)
	server, _ := newClient(fs)
	address := fs.String("address", "", "ledger address")
	entries := fs.Int("entries", 0, "also list this many journal entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return errors.New("-address is required")
	}

	client := httputil.NewClient(httputil.ClientConfig{BaseURL: *server})
	acct, err := getJSON(ctx, client, "/v1/accounts/"+url.PathEscape(*address))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "address  %s\nbalance  %s\ncounter  %s\nexists   %s\n",
		gjson.GetBytes(acct, "address").String(),
		gjson.GetBytes(acct, "balance").String(),
		gjson.GetBytes(acct, "counter").String(),
		gjson.GetBytes(acct, "exists").String())

	if *entries <= 0 || !gjson.GetBytes(acct, "exists").Bool() {
		return nil
	}
	list, err := getJSON(ctx, client, fmt.Sprintf("/v1/accounts/%s/entries?limit=%d", url.PathEscape(*address), *entries))
	if err != nil {
		return err
	}
	gjson.GetBytes(list, "entries").ForEach(func(_, e gjson.Result) bool {
		fmt.Fprintf(out, "%-6s %-11s %-8s %12s  balance %s\n",
			e.Get("counter").String(), e.Get("kind").String(), e.Get("direction").String(),
			e.Get("amount").String(), e.Get("balance").String())
		return true
	})
	return nil
}

func getJSON(ctx context.Context, client *httputil.Client, path string) ([]byte, error) {
	resp, err := client.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := httputil.DecodeResponse(resp, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
