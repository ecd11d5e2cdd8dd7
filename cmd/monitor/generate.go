package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/solwatch/solana-filter-monitor/internal/constants"
	"github.com/solwatch/solana-filter-monitor/internal/rules"
)

func amount(n int64) *decimal.Decimal {
	d := decimal.NewFromInt(n)
	return &d
}

func tierMonitor(id, name, condType string, mint string, threshold int64, severity rules.Severity, collection string, channels []string) rules.Monitor {
	actions := []rules.Action{{Type: "store", Collection: collection}}
	for _, ch := range channels {
		actions = append(actions, rules.Action{Type: "alert", Channel: ch, Template: "token_activity", Severity: severity})
	}
	return rules.Monitor{
		ID:      id,
		Name:    name,
		Enabled: true,
		Conditions: []rules.Condition{
			{Type: condType, Mint: mint, Operator: rules.OpGTE, Amount: amount(threshold)},
		},
		Actions:  actions,
		Severity: severity,
	}
}

// exampleCatalog is the default YU token catalog: mint and burn tiers plus
// the program-conjunction swap and bridge rules.
func exampleCatalog() []rules.Monitor {
	yu := constants.TokenMints["YU"]
	usdc := constants.TokenMints["USDC"]

	monitors := []rules.Monitor{
		tierMonitor("yuya_mint_30m", "YU Token Mint >= 30M", rules.CondTokenMint, yu, 30_000_000, rules.SeverityCritical, "critical_mints", []string{"telegram", "database"}),
		tierMonitor("yuya_mint_10m", "YU Token Mint >= 10M", rules.CondTokenMint, yu, 10_000_000, rules.SeverityHigh, "large_mints", []string{"telegram", "database"}),
		tierMonitor("yuya_mint_1m", "YU Token Mint >= 1M", rules.CondTokenMint, yu, 1_000_000, rules.SeverityMedium, "medium_mints", []string{"database"}),
		tierMonitor("yuya_burn_10m", "YU Token Burn >= 10M", rules.CondTokenBurn, yu, 10_000_000, rules.SeverityCritical, "large_burns", []string{"telegram", "database"}),
		tierMonitor("yuya_burn_1m", "YU Token Burn >= 1M", rules.CondTokenBurn, yu, 1_000_000, rules.SeverityHigh, "medium_burns", []string{"telegram", "database"}),
	}

	monitors = append(monitors,
		rules.Monitor{
			ID:      "yu_jupiter_v6_large_swap",
			Name:    "Large YU swap through Jupiter V6",
			Enabled: true,
			Conditions: []rules.Condition{
				{Type: rules.CondProgramInvoked, Program: constants.ProgramAddresses["JupiterV6"]},
				{Type: rules.CondTokenTransfer, Mint: yu, Operator: rules.OpGTE, Amount: amount(1_000_000)},
			},
			Actions: []rules.Action{
				{Type: "store", Collection: "large_swaps"},
				{Type: "alert", Channel: "telegram", Template: "token_activity", Severity: rules.SeverityHigh},
			},
			Severity: rules.SeverityHigh,
		},
		rules.Monitor{
			ID:      "yu_layerzero_large_bridge",
			Name:    "Large YU bridge through LayerZero",
			Enabled: true,
			Conditions: []rules.Condition{
				{Type: rules.CondProgramInvoked, Program: constants.ProgramAddresses["LayerZero"]},
				{Type: rules.CondTokenTransfer, Mint: yu, Operator: rules.OpGTE, Amount: amount(1_000_000)},
			},
			Actions: []rules.Action{
				{Type: "store", Collection: "large_bridges"},
				{Type: "alert", Channel: "telegram", Template: "token_activity", Severity: rules.SeverityHigh},
			},
			Severity: rules.SeverityHigh,
		},
		rules.Monitor{
			ID:      "yu_usdc_pair_swap",
			Name:    "YU/USDC pair swap through Raydium",
			Enabled: true,
			Conditions: []rules.Condition{
				{Type: rules.CondProgramInvoked, Program: constants.ProgramAddresses["Raydium"]},
				{Type: rules.CondTokenTransfer, Mint: yu, Operator: rules.OpGTE, Amount: amount(500_000)},
				{Type: rules.CondTokenTransfer, Mint: usdc, Operator: rules.OpGTE, Amount: amount(500_000)},
			},
			Actions: []rules.Action{
				{Type: "store", Collection: "pair_swaps"},
				{Type: "alert", Channel: "telegram", Template: "token_activity", Severity: rules.SeverityMedium},
			},
			Severity: rules.SeverityMedium,
		},
	)

	return monitors
}

func exampleAlerts() map[string]rules.AlertTemplate {
	return map[string]rules.AlertTemplate{
		"token_activity": {
			Channel: "telegram",
			Title:   "{{name}}",
			Body:    "Monitor {{monitor}} fired at slot {{slot}}\nAmount: {{amount}} ({{mint}})\nTx: {{signature}}\nConditions: {{conditions}}",
		},
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// generateConfig writes the example catalog under the given directory.
func generateConfig(dir string) error {
	for _, sub := range []string{"monitors", "alerts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}

	if err := writeJSON(filepath.Join(dir, "monitors", "yu_monitors.json"), exampleCatalog()); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "alerts", "alerts.json"), exampleAlerts()); err != nil {
		return err
	}

	optimization := map[string]interface{}{
		"program_allowlist": []string{
			constants.ProgramAddresses["Raydium"],
			constants.ProgramAddresses["JupiterV6"],
			constants.ProgramAddresses["JupiterV4"],
			constants.ProgramAddresses["OrcaWhirlpool"],
			constants.ProgramAddresses["LayerZeroOld"],
			constants.ProgramAddresses["LayerZero"],
		},
		"token_allowlist": []string{
			constants.TokenMints["YU"],
			constants.TokenMints["USDC"],
		},
		"max_concurrent_slots": constants.MaxConcurrentSlots,
	}
	if err := writeJSON(filepath.Join(dir, "optimization.json"), optimization); err != nil {
		return err
	}

	fmt.Printf("example catalog written to %s\n", dir)
	return nil
}
