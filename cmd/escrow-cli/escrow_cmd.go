package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"escrowledger/crypto"
	"escrowledger/rpc"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	var data struct {
		Code   uint32 `json:"code"`
		Reason string `json:"reason"`
	}
	if len(err.Data) > 0 && json.Unmarshal(err.Data, &data) == nil && data.Code != 0 {
		fmt.Fprintf(w, "RPC error %d: %s (code %d)\n", err.Code, data.Reason, data.Code)
		return 1
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

// invoke performs the call and renders the result; render is used in text mode
// and may be nil.
func invoke(method string, params interface{}, requireAuth bool, stdout, stderr io.Writer, render func(io.Writer, json.RawMessage) error) int {
	result, rpcErr, err := escrowRPCCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	if outputFormat == "text" && render != nil {
		if err := render(stdout, result); err != nil {
			return printError(stderr, err.Error())
		}
		return 0
	}
	writeRPCResult(stdout, result)
	return 0
}

func validateID(value uint64) error {
	if value == 0 {
		return fmt.Errorf("--id is required and must be positive")
	}
	return nil
}

func validateAddress(flagName, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParsePrincipal(value); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		beneficiary string
		amount      string
		description string
		lock        string
		arbiter     string
	)
	fs.StringVar(&beneficiary, "beneficiary", "", "beneficiary bech32 address")
	fs.StringVar(&amount, "amount", "", "amount in units, up to 6 decimals (e.g. 10.05)")
	fs.StringVar(&description, "description", "", "printable ASCII description")
	fs.StringVar(&lock, "lock", "0", "timelock as seconds, Go duration or days (e.g. 3600, 90m, 7d)")
	fs.StringVar(&arbiter, "arbiter", "", "optional arbiter bech32 address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--beneficiary", beneficiary); err != nil {
		return printError(stderr, err.Error())
	}
	micro, err := parseUnits(amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if micro == 0 {
		return printError(stderr, "--amount must be positive")
	}
	lockSeconds, err := parseLockDuration(lock)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"beneficiary": strings.TrimSpace(beneficiary),
		"amount":      strconv.FormatUint(micro, 10),
		"description": normalizeText(description),
		"lockSeconds": lockSeconds,
	}
	if strings.TrimSpace(arbiter) != "" {
		if err := validateAddress("--arbiter", arbiter); err != nil {
			return printError(stderr, err.Error())
		}
		params["arbiter"] = strings.TrimSpace(arbiter)
	}
	return invoke("escrow_create", params, true, stdout, stderr, renderEscrow)
}

func runIDCommand(name, method string, requireAuth bool, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	var render func(io.Writer, json.RawMessage) error
	switch method {
	case "escrow_get":
		render = renderEscrow
	case "escrow_release", "escrow_refund":
		render = renderSettlement
	case "escrow_getRemaining":
		render = renderUnits
	case "escrow_getTimeUntilUnlock":
		render = renderUnlock
	}
	return invoke(method, map[string]interface{}{"id": id}, requireAuth, stdout, stderr, render)
}

func runNoArgs(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	var render func(io.Writer, json.RawMessage) error
	if method == "escrow_getTotalStats" {
		render = renderStats
	}
	return invoke(method, nil, false, stdout, stderr, render)
}

func runPartialRelease(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("partial-release", stderr)
	var (
		id     uint64
		amount string
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.StringVar(&amount, "amount", "", "amount in units to release")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	micro, err := parseUnits(amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if micro == 0 {
		return printError(stderr, "--amount must be positive")
	}
	params := map[string]interface{}{"id": id, "amount": strconv.FormatUint(micro, 10)}
	return invoke("escrow_partialRelease", params, true, stdout, stderr, renderSettlement)
}

func runDispute(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("dispute", stderr)
	var (
		id     uint64
		reason string
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.StringVar(&reason, "reason", "", "reason recorded with the dispute")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("escrow_raiseDispute", map[string]interface{}{"id": id, "reason": normalizeText(reason)}, true, stdout, stderr, renderEscrow)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	var (
		id     uint64
		ruling string
		favor  string
	)
	fs.Uint64Var(&id, "id", 0, "escrow identifier")
	fs.StringVar(&ruling, "ruling", "", "ruling text")
	fs.StringVar(&favor, "favor", "", "party receiving the remaining funds: beneficiary or depositor")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	var favorBeneficiary bool
	switch strings.ToLower(strings.TrimSpace(favor)) {
	case "beneficiary":
		favorBeneficiary = true
	case "depositor":
	default:
		return printError(stderr, "--favor must be beneficiary or depositor")
	}
	params := map[string]interface{}{"id": id, "ruling": normalizeText(ruling), "favorBeneficiary": favorBeneficiary}
	return invoke("escrow_resolveDispute", params, true, stdout, stderr, renderSettlement)
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var (
		offset uint64
		limit  int
		party  string
	)
	fs.Uint64Var(&offset, "offset", 0, "number of escrows to skip")
	fs.IntVar(&limit, "limit", 50, "maximum escrows returned")
	fs.StringVar(&party, "party", "", "only escrows where this address is depositor, beneficiary or arbiter")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if limit <= 0 {
		return printError(stderr, "--limit must be positive")
	}
	params := map[string]interface{}{"offset": offset, "limit": limit}
	if strings.TrimSpace(party) != "" {
		if err := validateAddress("--party", party); err != nil {
			return printError(stderr, err.Error())
		}
		params["party"] = strings.TrimSpace(party)
	}
	return invoke("escrow_list", params, false, stdout, stderr, renderEscrowList)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		id        uint64
		eventType string
		after     int64
		limit     int
	)
	fs.Uint64Var(&id, "id", 0, "only events of this escrow")
	fs.StringVar(&eventType, "type", "", "only events of this type (e.g. escrow.released)")
	fs.Int64Var(&after, "after", 0, "only events after this sequence number")
	fs.IntVar(&limit, "limit", 100, "maximum events returned")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{"escrowId": id, "type": eventType, "afterSequence": after, "limit": limit}
	return invoke("escrow_listEvents", params, false, stdout, stderr, renderEvents)
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account bech32 address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--address", address); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke("bank_getBalance", map[string]interface{}{"address": strings.TrimSpace(address)}, false, stdout, stderr, renderUnits)
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		caller   string
		dev      string
		secret   string
		issuer   string
		audience string
		ttl      time.Duration
	)
	fs.StringVar(&caller, "caller", "", "caller bech32 address placed in the token subject")
	fs.StringVar(&dev, "dev", "", "use the development principal with this name (alice, bob, carol)")
	fs.StringVar(&secret, "secret", os.Getenv(jwtSecretEnv), "HMAC secret shared with escrowd")
	fs.StringVar(&issuer, "issuer", "escrowledger", "token issuer")
	fs.StringVar(&audience, "audience", "escrowd", "token audience")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	var principal [20]byte
	switch {
	case strings.TrimSpace(dev) != "":
		principal = crypto.DeriveAddress("dev/" + strings.ToLower(strings.TrimSpace(dev)))
	case strings.TrimSpace(caller) != "":
		parsed, err := crypto.ParsePrincipal(caller)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--caller: %v", err))
		}
		principal = parsed
	default:
		return printError(stderr, "--caller or --dev is required")
	}
	if strings.TrimSpace(secret) == "" {
		prompted, err := promptSecret(stderr, "signing secret", "pass --secret or set "+jwtSecretEnv)
		if err != nil {
			return printError(stderr, err.Error())
		}
		secret = prompted
	}
	token, err := rpc.IssueToken(rpc.AuthConfig{HMACSecret: secret, Issuer: issuer, Audience: audience}, principal, ttl, time.Now())
	if err != nil {
		return printError(stderr, err.Error())
	}
	if outputFormat == "text" {
		fmt.Fprintf(stdout, "caller: %s\ntoken:  %s\n", crypto.FromRaw(principal).String(), token)
		return 0
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func renderEscrow(w io.Writer, raw json.RawMessage) error {
	var e rpc.EscrowJSON
	if err := json.Unmarshal(raw, &e); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Escrow\t#%d\n", e.ID)
	fmt.Fprintf(tw, "Status\t%s\n", e.Status)
	fmt.Fprintf(tw, "Depositor\t%s\n", e.Depositor)
	fmt.Fprintf(tw, "Beneficiary\t%s\n", e.Beneficiary)
	if e.Arbiter != nil {
		fmt.Fprintf(tw, "Arbiter\t%s\n", *e.Arbiter)
	}
	fmt.Fprintf(tw, "Amount\t%s\n", formatUnits(uint64(e.Amount)))
	fmt.Fprintf(tw, "Released\t%s\n", formatUnits(uint64(e.ReleasedAmount)))
	fmt.Fprintf(tw, "Remaining\t%s\n", formatUnits(uint64(e.Remaining)))
	if e.Description != "" {
		fmt.Fprintf(tw, "Description\t%s\n", e.Description)
	}
	fmt.Fprintf(tw, "Created\t%s\n", time.Unix(e.CreatedAt, 0).UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Unlocks\t%s\n", time.Unix(e.TimelockUntil, 0).UTC().Format(time.RFC3339))
	if e.DisputeReason != "" {
		fmt.Fprintf(tw, "Dispute\t%s\n", e.DisputeReason)
	}
	if e.Ruling != "" {
		fmt.Fprintf(tw, "Ruling\t%s\n", e.Ruling)
	}
	return tw.Flush()
}

func renderSettlement(w io.Writer, raw json.RawMessage) error {
	var s rpc.SettlementJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	fmt.Fprintf(w, "Escrow #%d %s: paid %s to %s (fee %s)\n",
		s.EscrowID, s.Status, formatUnits(uint64(s.Net)), s.Recipient, formatUnits(uint64(s.Fee)))
	return nil
}

func renderUnits(w io.Writer, raw json.RawMessage) error {
	var q rpc.Quantity
	if err := json.Unmarshal(raw, &q); err != nil {
		return err
	}
	fmt.Fprintln(w, formatUnits(uint64(q)))
	return nil
}

func renderUnlock(w io.Writer, raw json.RawMessage) error {
	var secs uint64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return err
	}
	if secs == 0 {
		fmt.Fprintln(w, "unlocked")
		return nil
	}
	fmt.Fprintf(w, "locked for %s\n", formatDuration(secs))
	return nil
}

func renderStats(w io.Writer, raw json.RawMessage) error {
	var s rpc.StatsJSON
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Escrows\t%d\n", s.TotalEscrows)
	fmt.Fprintf(tw, "Volume\t%s\n", formatUnits(uint64(s.TotalVolume)))
	fmt.Fprintf(tw, "Completed\t%d\n", s.Completed)
	fmt.Fprintf(tw, "Fees\t%s\n", formatUnits(uint64(s.FeesCollected)))
	return tw.Flush()
}

func renderEscrowList(w io.Writer, raw json.RawMessage) error {
	var list []rpc.EscrowJSON
	if err := json.Unmarshal(raw, &list); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tREMAINING\tBENEFICIARY")
	for _, e := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.Status, formatUnits(uint64(e.Amount)), formatUnits(uint64(e.Remaining)), e.Beneficiary)
	}
	return tw.Flush()
}

type eventRecord struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func renderEvents(w io.Writer, raw json.RawMessage) error {
	var records []eventRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tESCROW\tSTATUS\tAT")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", r.Sequence, r.Type, r.EscrowID, r.Attributes["status"], r.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
