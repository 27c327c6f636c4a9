// Contester: local execution harness for stack-bytecode smart contracts.
//
// This is the main entry point for contester, a standalone tool that
// deploys a compiled contract module against a simulated chain state,
// runs an init or receive entry point with a metered energy budget, and
// prints the invocation trace. Named chain baselines can be saved to
// and restored from a local fixture store so scenario runs start from a
// known state.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/chain"
	"github.com/chainforge/contester/pkg/chain/fixture"
	"github.com/chainforge/contester/pkg/runner"
	"github.com/chainforge/contester/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	modulePath   = flag.String("module", "", "Path to the compiled contract module")
	entrypoint   = flag.String("entrypoint", "", "Entry point name: init_<contract> or <contract>.<name>")
	target       = flag.String("target", "", "Target instance as <index,subindex> (empty deploys a new instance)")
	paramHex     = flag.String("param", "", "Hex-encoded parameter bytes")
	schemaPath   = flag.String("schema", "", "Path to an external schema blob (overrides embedded)")
	amount       = flag.Uint64("amount", 0, "Amount transferred to the target before execution")
	energy       = flag.Uint64("energy", 0, "Energy limit (0 = default)")
	protocol     = flag.Uint("protocol", 1, "Protocol version: 1 or 2")
	invokerSeed  = flag.String("invoker", "invoker", "Seed for the invoking account's address")
	invokerFunds = flag.Uint64("funds", 1_000_000, "Balance credited to a freshly created invoker account")
	fixtureDir   = flag.String("fixture-dir", "", "Directory for the named baseline store")
	loadBaseline = flag.String("load-baseline", "", "Baseline to load before the invocation")
	saveBaseline = flag.String("save-baseline", "", "Baseline to save after a successful invocation")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("contester %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *modulePath == "" || *entrypoint == "" {
		flag.Usage()
		os.Exit(2)
	}

	pv, err := parseProtocol(*protocol)
	if err != nil {
		log.Fatalf("Invalid protocol: %v", err)
	}

	var store *fixture.Store
	if *fixtureDir != "" {
		store, err = fixture.Open(fixture.DefaultConfig(*fixtureDir))
		if err != nil {
			log.Fatalf("Failed to open fixture store: %v", err)
		}
		defer store.Close()
	}

	st, err := baselineState(store)
	if err != nil {
		log.Fatalf("Failed to load baseline: %v", err)
	}

	invoker := types.DeriveAccountAddress(*invokerSeed)
	if !st.HasAccount(invoker) {
		if err := st.CreateAccount(invoker, types.Amount(*invokerFunds)); err != nil {
			log.Fatalf("Failed to create invoker account: %v", err)
		}
		log.Printf("Created invoker account %s with balance %d", invoker, *invokerFunds)
	}

	r := runner.New(st, runner.Config{Version: pv})

	raw, err := os.ReadFile(*modulePath)
	if err != nil {
		log.Fatalf("Failed to read module: %v", err)
	}
	ref, err := r.DeployModule(raw)
	if err != nil {
		log.Fatalf("Module rejected: %v", err)
	}
	log.Printf("Registered module %s (%d bytes)", ref, len(raw))

	if *schemaPath != "" {
		blob, err := os.ReadFile(*schemaPath)
		if err != nil {
			log.Fatalf("Failed to read schema: %v", err)
		}
		if err := r.AttachSchema(ref, blob); err != nil {
			log.Fatalf("Schema rejected: %v", err)
		}
	}

	req := runner.Request{
		Entrypoint: *entrypoint,
		Amount:     types.Amount(*amount),
		Energy:     *energy,
		Invoker:    invoker,
	}
	if *paramHex != "" {
		req.Param, err = hex.DecodeString(*paramHex)
		if err != nil {
			log.Fatalf("Invalid parameter hex: %v", err)
		}
	}
	if *target == "" {
		req.Module = ref
	} else {
		req.Target, err = parseTarget(*target)
		if err != nil {
			log.Fatalf("Invalid target: %v", err)
		}
	}

	res := r.Invoke(req)
	printResult(res, 0)

	if res.Failed() {
		os.Exit(1)
	}
	if *saveBaseline != "" {
		if store == nil {
			log.Fatal("-save-baseline requires -fixture-dir")
		}
		if err := store.Save(*saveBaseline, st); err != nil {
			log.Fatalf("Failed to save baseline: %v", err)
		}
		log.Printf("Saved baseline %q", *saveBaseline)
	}
}

func parseProtocol(v uint) (vm.ProtocolVersion, error) {
	switch v {
	case 1:
		return vm.PV1, nil
	case 2:
		return vm.PV2, nil
	default:
		return 0, fmt.Errorf("unknown protocol version %d", v)
	}
}

func baselineState(store *fixture.Store) (*chain.State, error) {
	if *loadBaseline == "" {
		return chain.NewState(), nil
	}
	if store == nil {
		return nil, fmt.Errorf("-load-baseline requires -fixture-dir")
	}
	st, err := store.Load(*loadBaseline)
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded baseline %q", *loadBaseline)
	return st, nil
}

// parseTarget accepts "<index,subindex>" with or without the angle
// brackets, and a bare index as shorthand for subindex 0.
func parseTarget(s string) (types.ContractAddress, error) {
	s = strings.TrimPrefix(strings.TrimSuffix(s, ">"), "<")
	var addr types.ContractAddress
	if !strings.Contains(s, ",") {
		_, err := fmt.Sscanf(s, "%d", &addr.Index)
		return addr, err
	}
	_, err := fmt.Sscanf(s, "%d,%d", &addr.Index, &addr.Subindex)
	return addr, err
}

func printResult(res *runner.Result, depth int) {
	indent := strings.Repeat("  ", depth)
	log.Printf("%s%s: %s (energy %d)", indent, res.Entrypoint, res.Outcome, res.EnergyUsed)
	if res.Outcome == runner.OutcomeReject {
		log.Printf("%s  reject reason: %d", indent, res.RejectReason)
	}
	if res.Err != nil {
		log.Printf("%s  error: %v", indent, res.Err)
	}
	if res.ParamErr != nil {
		log.Printf("%s  parameter did not match schema: %v", indent, res.ParamErr)
	}
	if len(res.ParamJSON) > 0 {
		log.Printf("%s  parameter: %s", indent, res.ParamJSON)
	}
	if res.Outcome.Success() {
		log.Printf("%s  instance: %s", indent, res.Instance)
		if len(res.ReturnValue) > 0 {
			log.Printf("%s  return: %x", indent, res.ReturnValue)
		}
		if len(res.ReturnJSON) > 0 {
			log.Printf("%s  return: %s", indent, res.ReturnJSON)
		}
	}
	for i, ev := range res.Logs {
		log.Printf("%s  log[%d]: %x", indent, i, ev)
	}
	for _, child := range res.Nested {
		printResult(child, depth+1)
	}
}
