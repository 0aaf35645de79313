package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAdminCommandArgValidation(t *testing.T) {
	restore := forbidRPCCalls(t)
	defer restore()

	cases := []struct {
		name     string
		args     []string
		wantErr  string
		wantExit int
	}{
		{
			name:     "usage",
			args:     nil,
			wantErr:  adminUsage() + "\n",
			wantExit: 1,
		},
		{
			name:     "unknown_subcommand",
			args:     []string{"bogus"},
			wantErr:  "Unknown admin subcommand: bogus\n" + adminUsage() + "\n",
			wantExit: 1,
		},
		{
			name:     "set_owner_missing_owner",
			args:     []string{"set-owner", "--caller", testSeller},
			wantErr:  "Error: --owner is required\n",
			wantExit: 1,
		},
		{
			name:     "set_fee_bps_not_a_number",
			args:     []string{"set-fee-bps", "--caller", testSeller, "--bps", "lots"},
			wantErr:  "Error: --bps must be a non-negative integer\n",
			wantExit: 1,
		},
		{
			name:     "set_fee_bps_over_limit",
			args:     []string{"set-fee-bps", "--caller", testSeller, "--bps", "10001"},
			wantErr:  "Error: --bps must be <= 10000\n",
			wantExit: 1,
		},
		{
			name:     "pause_missing_caller",
			args:     []string{"pause"},
			wantErr:  "Error: --caller is required\n",
			wantExit: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}
			exitCode := runAdminCommand(tc.args, stdout, stderr)
			if exitCode != tc.wantExit {
				t.Fatalf("unexpected exit code: got %d, want %d", exitCode, tc.wantExit)
			}
			if stdout.Len() != 0 {
				t.Fatalf("expected empty stdout, got %q", stdout.String())
			}
			if stderr.String() != tc.wantErr {
				t.Fatalf("unexpected stderr: got %q, want %q", stderr.String(), tc.wantErr)
			}
		})
	}
}

func TestAdminCommandsSendExpectedParams(t *testing.T) {
	t.Run("set_partner_fee", func(t *testing.T) {
		original := tradeRPCCall
		tradeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "admin_setPartnerFee" {
				t.Fatalf("unexpected method: %s", method)
			}
			if !requireAuth {
				t.Fatal("admin calls must require auth")
			}
			expected := map[string]interface{}{
				"caller":  testSeller,
				"partner": testPartner,
				"bps":     uint64(250),
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`"ok"`), nil, nil
		}
		defer func() { tradeRPCCall = original }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{"set-partner-fee", "--caller", testSeller, "--partner", testPartner, "--bps", "250"}
		if exitCode := runAdminCommand(args, stdout, stderr); exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
		}
		if stdout.String() != "\"ok\"\n" {
			t.Fatalf("unexpected stdout: %q", stdout.String())
		}
	})

	t.Run("grant_credential", func(t *testing.T) {
		original := tradeRPCCall
		tradeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "admin_grantCredential" {
				t.Fatalf("unexpected method: %s", method)
			}
			expected := map[string]interface{}{
				"caller": testSeller,
				"holder": testBuyer,
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`"ok"`), nil, nil
		}
		defer func() { tradeRPCCall = original }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{"grant-credential", "--caller", testSeller, "--holder", testBuyer}
		if exitCode := runAdminCommand(args, stdout, stderr); exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
		}
	})

	t.Run("pause_sends_caller_only", func(t *testing.T) {
		original := tradeRPCCall
		tradeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "admin_pause" {
				t.Fatalf("unexpected method: %s", method)
			}
			actual := params.(map[string]interface{})
			if len(actual) != 1 || actual["caller"] != testSeller {
				t.Fatalf("unexpected params: %v", actual)
			}
			return json.RawMessage(`"ok"`), nil, nil
		}
		defer func() { tradeRPCCall = original }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		if exitCode := runAdminCommand([]string{"pause", "--caller", testSeller}, stdout, stderr); exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
		}
	})

	t.Run("set_dispute_stake_accepts_zero", func(t *testing.T) {
		original := tradeRPCCall
		tradeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "admin_setDisputeStake" {
				t.Fatalf("unexpected method: %s", method)
			}
			expected := map[string]interface{}{
				"caller": testSeller,
				"stake":  "0",
			}
			if diff := diffParams(params, expected); diff != "" {
				t.Fatalf("unexpected params diff: %s", diff)
			}
			return json.RawMessage(`"ok"`), nil, nil
		}
		defer func() { tradeRPCCall = original }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		args := []string{"set-dispute-stake", "--caller", testSeller, "--stake", "0"}
		if exitCode := runAdminCommand(args, stdout, stderr); exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
		}
	})

	t.Run("policy_sends_no_params", func(t *testing.T) {
		original := tradeRPCCall
		tradeRPCCall = func(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
			if method != "admin_policy" {
				t.Fatalf("unexpected method: %s", method)
			}
			if params != nil {
				t.Fatalf("expected nil params, got %v", params)
			}
			return json.RawMessage(`{"version":3}`), nil, nil
		}
		defer func() { tradeRPCCall = original }()

		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}
		if exitCode := runAdminCommand([]string{"policy"}, stdout, stderr); exitCode != 0 {
			t.Fatalf("unexpected exit code: got %d, want 0 (stderr %q)", exitCode, stderr.String())
		}
		if stdout.String() != "{\"version\":3}\n" {
			t.Fatalf("unexpected stdout: %q", stdout.String())
		}
	})
}

func TestNormalizeStake(t *testing.T) {
	cases := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "0", want: "0"},
		{input: "000", want: "0"},
		{input: "50", want: "50"},
		{input: "1e18", want: "1000000000000000000"},
		{input: "-5", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := normalizeStake("--stake", tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for input %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("unexpected result: got %q, want %q", got, tc.want)
			}
		})
	}
}
