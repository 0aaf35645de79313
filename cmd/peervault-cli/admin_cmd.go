package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

func runAdminCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}

	switch args[0] {
	case "set-owner":
		return runAdminAddressSetting("admin_setOwner", "set-owner", "owner", "new operator bech32 address", args[1:], stdout, stderr)
	case "set-arbitrator":
		return runAdminAddressSetting("admin_setArbitrator", "set-arbitrator", "arbitrator", "new arbitrator bech32 address", args[1:], stdout, stderr)
	case "set-fee-recipient":
		return runAdminAddressSetting("admin_setFeeRecipient", "set-fee-recipient", "recipient", "address collecting protocol fees", args[1:], stdout, stderr)
	case "set-fee-bps":
		return runAdminSetFeeBps(args[1:], stdout, stderr)
	case "set-partner-fee":
		return runAdminSetPartnerFee(args[1:], stdout, stderr)
	case "set-discount-credential":
		return runAdminAddressSetting("admin_setDiscountCredential", "set-discount-credential", "credential", "credential token granting the fee discount", args[1:], stdout, stderr)
	case "set-dispute-stake":
		return runAdminSetDisputeStake(args[1:], stdout, stderr)
	case "pause":
		return runAdminCallerOnly("admin_pause", "pause", args[1:], stdout, stderr)
	case "resume":
		return runAdminCallerOnly("admin_resume", "resume", args[1:], stdout, stderr)
	case "grant-credential":
		return runAdminAddressSetting("admin_grantCredential", "grant-credential", "holder", "bech32 address receiving the credential", args[1:], stdout, stderr)
	case "revoke-credential":
		return runAdminAddressSetting("admin_revokeCredential", "revoke-credential", "holder", "bech32 address losing the credential", args[1:], stdout, stderr)
	case "policy":
		return runAdminPolicy(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown admin subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, adminUsage())
		return 1
	}
}

// runAdminAddressSetting covers every admin call that pairs the operator with
// a single address-valued field; the flag name doubles as the wire key.
func runAdminAddressSetting(method, name, flagName, flagUsage string, args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin "+name, stderr)
	var (
		caller string
		value  string
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.StringVar(&value, flagName, "", flagUsage)
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
	if strings.TrimSpace(value) == "" {
		return printTradeError(stderr, fmt.Sprintf("--%s is required", flagName))
	}
	params := map[string]interface{}{
		"caller": strings.TrimSpace(caller),
		flagName: strings.TrimSpace(value),
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

func runAdminCallerOnly(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin "+name, stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
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

func runAdminSetFeeBps(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin set-fee-bps", stderr)
	var (
		caller string
		bpsStr string
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.StringVar(&bpsStr, "bps", "", "protocol fee in basis points")
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
	bps, ok := parseBps(stderr, bpsStr)
	if !ok {
		return 1
	}
	params := map[string]interface{}{
		"caller": strings.TrimSpace(caller),
		"bps":    bps,
	}
	result, rpcErr, err := tradeRPCCall("admin_setFeeBps", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetPartnerFee(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin set-partner-fee", stderr)
	var (
		caller  string
		partner string
		bpsStr  string
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.StringVar(&partner, "partner", "", "partner bech32 address")
	fs.StringVar(&bpsStr, "bps", "", "partner fee in basis points")
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
	if strings.TrimSpace(partner) == "" {
		return printTradeError(stderr, "--partner is required")
	}
	bps, ok := parseBps(stderr, bpsStr)
	if !ok {
		return 1
	}
	params := map[string]interface{}{
		"caller":  strings.TrimSpace(caller),
		"partner": strings.TrimSpace(partner),
		"bps":     bps,
	}
	result, rpcErr, err := tradeRPCCall("admin_setPartnerFee", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminSetDisputeStake(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin set-dispute-stake", stderr)
	var (
		caller string
		stake  string
	)
	fs.StringVar(&caller, "caller", "", "operator bech32 address")
	fs.StringVar(&stake, "stake", "", "base-unit stake buyers attach to a dispute (0 disables it)")
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
	normalized, err := normalizeStake("--stake", stake)
	if err != nil {
		return printTradeError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"caller": strings.TrimSpace(caller),
		"stake":  normalized,
	}
	result, rpcErr, err := tradeRPCCall("admin_setDisputeStake", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runAdminPolicy(args []string, stdout, stderr io.Writer) int {
	fs := newAdminFlagSet("admin policy", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := tradeRPCCall("admin_policy", nil, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func parseBps(stderr io.Writer, value string) (uint32, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		printTradeError(stderr, "--bps is required")
		return 0, false
	}
	bps, err := strconv.ParseUint(trimmed, 10, 32)
	if err != nil {
		printTradeError(stderr, "--bps must be a non-negative integer")
		return 0, false
	}
	if bps > 10_000 {
		printTradeError(stderr, "--bps must be <= 10000")
		return 0, false
	}
	return uint32(bps), true
}

// normalizeStake is normalizeAmount with zero allowed, since a zero stake
// turns the dispute deposit off.
func normalizeStake(flagName, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" && isDigits(trimmed) && strings.Trim(trimmed, "0") == "" {
		return "0", nil
	}
	return normalizeAmount(flagName, value)
}

func newAdminFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, adminUsage())
	}
	return fs
}

func adminUsage() string {
	return strings.TrimSpace(`Usage:
  peervault-cli admin <command> [flags]

All admin commands require the operator bearer token.

Commands:
  set-owner                Transfer policy ownership
  set-arbitrator           Appoint the dispute arbitrator
  set-fee-recipient        Set the protocol fee recipient
  set-fee-bps              Set the protocol fee in basis points
  set-partner-fee          Set a partner's fee share in basis points
  set-discount-credential  Set the credential that discounts protocol fees
  set-dispute-stake        Set the stake buyers attach when disputing
  pause                    Halt new trades
  resume                   Lift a trading pause
  grant-credential         Grant the trading credential to an address
  revoke-credential        Revoke an address's trading credential
  policy                   Print the active policy document
`)
}
