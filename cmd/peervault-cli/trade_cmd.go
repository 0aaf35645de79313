package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var tradeRPCCall = callTradeRPC

func runTradeCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, tradeUsage())
		return 1
	}

	switch args[0] {
	case "deploy":
		return runTradeDeploy(args[1:], stdout, stderr)
	case "create":
		return runTradeCreate(args[1:], stdout, stderr)
	case "mark-paid":
		return runTradeTransition("trade_markAsPaid", "mark-paid", args[1:], stdout, stderr)
	case "release":
		return runTradeTransition("trade_release", "release", args[1:], stdout, stderr)
	case "buyer-cancel":
		return runTradeTransition("trade_buyerCancel", "buyer-cancel", args[1:], stdout, stderr)
	case "seller-cancel":
		return runTradeTransition("trade_sellerCancel", "seller-cancel", args[1:], stdout, stderr)
	case "dispute":
		return runTradeDispute(args[1:], stdout, stderr)
	case "resolve":
		return runTradeResolve(args[1:], stdout, stderr)
	case "deposit":
		return runTradeFunds("trade_deposit", "deposit", args[1:], stdout, stderr)
	case "withdraw":
		return runTradeFunds("trade_withdraw", "withdraw", args[1:], stdout, stderr)
	case "get":
		return runTradeGet(args[1:], stdout, stderr)
	case "events":
		return runTradeEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown trade subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, tradeUsage())
		return 1
	}
}

// termsFlags carries the flags every trade operation shares: the submitting
// caller plus the four terms that address a trade on the wire.
type termsFlags struct {
	caller string
	order  string
	seller string
	buyer  string
	asset  string
	amount string
}

func (t *termsFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&t.caller, "caller", "", "bech32 address submitting the call")
	fs.StringVar(&t.order, "order", "", "0x-prefixed 32-byte order id")
	fs.StringVar(&t.seller, "seller", "", "seller bech32 address")
	fs.StringVar(&t.buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&t.asset, "asset", "", "token address (omit or 'native' for the native asset)")
	fs.StringVar(&t.amount, "amount", "", "trade amount in base units (supports 100e18 shorthand)")
}

func (t *termsFlags) params() (map[string]interface{}, error) {
	if strings.TrimSpace(t.caller) == "" {
		return nil, fmt.Errorf("--caller is required")
	}
	if err := validateTradeHash("--order", t.order); err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.seller) == "" {
		return nil, fmt.Errorf("--seller is required")
	}
	if strings.TrimSpace(t.buyer) == "" {
		return nil, fmt.Errorf("--buyer is required")
	}
	amount, err := normalizeAmount("--amount", t.amount)
	if err != nil {
		return nil, err
	}
	params := map[string]interface{}{
		"caller":  strings.TrimSpace(t.caller),
		"orderId": strings.TrimSpace(t.order),
		"seller":  strings.TrimSpace(t.seller),
		"buyer":   strings.TrimSpace(t.buyer),
		"amount":  amount,
	}
	if asset := normalizeAsset(t.asset); asset != "" {
		params["asset"] = asset
	}
	return params, nil
}

func runTradeDeploy(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade deploy", stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "seller bech32 address deploying their instance")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		return printTradeError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"caller": strings.TrimSpace(caller)}
	result, rpcErr, err := tradeRPCCall("trade_deploy", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeCreate(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade create", stderr)
	var terms termsFlags
	terms.register(fs)
	var (
		partner   string
		waiting   string
		automatic bool
		attached  string
	)
	fs.StringVar(&partner, "partner", "", "optional partner bech32 address for fee sharing")
	fs.StringVar(&waiting, "waiting", "", "seller cancel window as seconds, a Go duration or Nd days")
	fs.BoolVar(&automatic, "automatic", false, "release automatically when the buyer marks the trade paid")
	fs.StringVar(&attached, "attached", "", "extra vault deposit to attach alongside the create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params, err := terms.params()
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	waitingSeconds, err := parseWaitingTime(waiting)
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	params["waitingTime"] = waitingSeconds
	if automatic {
		params["automatic"] = true
	}
	if strings.TrimSpace(partner) != "" {
		params["partner"] = strings.TrimSpace(partner)
	}
	if strings.TrimSpace(attached) != "" {
		normalized, err := normalizeAmount("--attached", attached)
		if err != nil {
			return printTradeError(stderr, err.Error())
		}
		params["attached"] = normalized
	}

	// The node exposes separate native and token create methods; the asset
	// flag picks between them.
	method := "trade_createNative"
	if _, ok := params["asset"]; ok {
		method = "trade_createToken"
	}
	result, rpcErr, err := tradeRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeTransition(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade "+name, stderr)
	var terms termsFlags
	terms.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params, err := terms.params()
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	result, rpcErr, err := tradeRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeDispute(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade dispute", stderr)
	var terms termsFlags
	terms.register(fs)
	var attached string
	fs.StringVar(&attached, "attached", "", "arbitration stake to attach with the dispute")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params, err := terms.params()
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	if strings.TrimSpace(attached) != "" {
		normalized, err := normalizeAmount("--attached", attached)
		if err != nil {
			return printTradeError(stderr, err.Error())
		}
		params["attached"] = normalized
	}
	result, rpcErr, err := tradeRPCCall("trade_openDispute", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeResolve(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade resolve", stderr)
	var terms termsFlags
	terms.register(fs)
	var winner string
	fs.StringVar(&winner, "winner", "", "bech32 address awarded the escrowed funds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params, err := terms.params()
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	if strings.TrimSpace(winner) == "" {
		return printTradeError(stderr, "--winner is required")
	}
	params["winner"] = strings.TrimSpace(winner)
	result, rpcErr, err := tradeRPCCall("trade_resolveDispute", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeFunds(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade "+name, stderr)
	var (
		caller string
		seller string
		asset  string
		amount string
	)
	fs.StringVar(&caller, "caller", "", "bech32 address moving the funds")
	fs.StringVar(&seller, "seller", "", "seller bech32 address owning the vault")
	fs.StringVar(&asset, "asset", "", "token address (omit or 'native' for the native asset)")
	fs.StringVar(&amount, "amount", "", "amount in base units (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(caller) == "" {
		return printTradeError(stderr, "--caller is required")
	}
	if strings.TrimSpace(seller) == "" {
		return printTradeError(stderr, "--seller is required")
	}
	normalized, err := normalizeAmount("--amount", amount)
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller": strings.TrimSpace(caller),
		"seller": strings.TrimSpace(seller),
		"amount": normalized,
	}
	if cleaned := normalizeAsset(asset); cleaned != "" {
		params["asset"] = cleaned
	}
	result, rpcErr, err := tradeRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeGet(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade get", stderr)
	var (
		id     string
		order  string
		seller string
		buyer  string
		asset  string
		amount string
	)
	fs.StringVar(&id, "id", "", "0x-prefixed trade id")
	fs.StringVar(&order, "order", "", "0x-prefixed 32-byte order id")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&asset, "asset", "", "token address (omit or 'native' for the native asset)")
	fs.StringVar(&amount, "amount", "", "trade amount in base units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	var params map[string]interface{}
	if strings.TrimSpace(id) != "" {
		if err := validateTradeHash("--id", id); err != nil {
			return printTradeError(stderr, err.Error())
		}
		params = map[string]interface{}{"id": strings.TrimSpace(id)}
	} else {
		if err := validateTradeHash("--order", order); err != nil {
			return printTradeError(stderr, "--id or the full trade terms are required")
		}
		if strings.TrimSpace(seller) == "" {
			return printTradeError(stderr, "--seller is required")
		}
		if strings.TrimSpace(buyer) == "" {
			return printTradeError(stderr, "--buyer is required")
		}
		normalized, err := normalizeAmount("--amount", amount)
		if err != nil {
			return printTradeError(stderr, err.Error())
		}
		params = map[string]interface{}{
			"orderId": strings.TrimSpace(order),
			"seller":  strings.TrimSpace(seller),
			"buyer":   strings.TrimSpace(buyer),
			"amount":  normalized,
		}
		if cleaned := normalizeAsset(asset); cleaned != "" {
			params["asset"] = cleaned
		}
	}
	result, rpcErr, err := tradeRPCCall("trade_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTradeEvents(args []string, stdout, stderr io.Writer) int {
	fs := newTradeFlagSet("trade events", stderr)
	var (
		from  uint64
		limit int
	)
	fs.Uint64Var(&from, "from", 0, "journal sequence to resume from")
	fs.IntVar(&limit, "limit", 0, "maximum entries to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params := map[string]interface{}{}
	if from > 0 {
		params["from"] = from
	}
	if limit > 0 {
		params["limit"] = limit
	}
	result, rpcErr, err := tradeRPCCall("trade_events", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newTradeFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, tradeUsage())
	}
	return fs
}

func printTradeError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
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

func tradeUsage() string {
	return strings.TrimSpace(`Usage:
  peervault-cli trade <command> [flags]

Commands:
  deploy        Deploy the caller's escrow instance
  create        Create a trade (the asset flag picks the native or token method)
  mark-paid     Record the buyer's off-chain payment
  release       Release escrowed funds to the buyer
  buyer-cancel  Cancel a trade as the buyer
  seller-cancel Cancel a trade as the seller after the waiting window
  dispute       Open a dispute, optionally attaching the arbitration stake
  resolve       Resolve a dispute as the arbitrator
  deposit       Deposit funds into a seller vault
  withdraw      Withdraw free funds from a seller vault
  get           Fetch a trade by id or by its full terms
  events        Page through the settlement journal
`)
}

// normalizeAmount folds underscores, decimal points and scientific notation
// into a plain base-unit digit string. Amounts must come out as positive
// integers; 1.5e18 is accepted, 1.5 alone is not.
func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

// normalizeAsset maps the spellings of the native asset to the empty string
// so the wire omits the field entirely.
func normalizeAsset(value string) string {
	cleaned := strings.TrimSpace(value)
	if strings.EqualFold(cleaned, "native") {
		return ""
	}
	return cleaned
}

// parseWaitingTime accepts raw seconds, a Go duration such as 90m, or a day
// count such as 2d, and returns whole seconds.
func parseWaitingTime(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--waiting is required")
	}
	if isDigits(trimmed) {
		seconds, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid waiting time")
		}
		if seconds <= 0 {
			return 0, fmt.Errorf("waiting time must be positive")
		}
		return seconds, nil
	}
	dur, err := parseWaitingDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if dur <= 0 {
		return 0, fmt.Errorf("waiting time must be positive")
	}
	seconds := int64(dur / time.Second)
	if seconds == 0 {
		return 0, fmt.Errorf("waiting time must be at least one second")
	}
	return seconds, nil
}

func parseWaitingDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		daysStr := strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D")
		if daysStr == "" {
			return 0, fmt.Errorf("invalid waiting time")
		}
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid waiting time")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid waiting time")
	}
	return dur, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func validateTradeHash(flagName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	cleaned := trimmed
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		cleaned = trimmed[2:]
	} else {
		return fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	if len(cleaned) != 64 {
		return fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	if !isHex(cleaned) {
		return fmt.Errorf("%s must contain only hexadecimal characters", flagName)
	}
	return nil
}

func callTradeRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
