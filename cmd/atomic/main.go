package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/api"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/config"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/engine"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

const usage = `Usage: atomic <command> [flags]

Commands:
  fission   --token <id> --blob <b64> (--data <bytes>|--file <path>)
  bond      --address <A> --level <BYTE|KB|MB|GB|TB> [--replay]
  mint      --class <tag> [--serial <s>]
  price
  verify    --address <A>
  rotate-key
  serve
`

func main() {
	// All configuration comes from ATOMIC_* environment variables; a .env
	// file in the working directory is picked up for local development.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(models.ExitInternal)
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err, models.ExitInternal)
	}

	switch os.Args[1] {
	case "fission":
		runFission(cfg, os.Args[2:])
	case "bond":
		runBond(cfg, os.Args[2:])
	case "mint":
		runMint(cfg, os.Args[2:])
	case "price":
		runPrice(cfg)
	case "verify":
		runVerify(cfg, os.Args[2:])
	case "rotate-key":
		runRotateKey(cfg)
	case "serve":
		runServe(cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(models.ExitInternal)
	}
}

// fail emits the single-line JSON failure contract to stderr and exits.
func fail(err error, code int) {
	fmt.Fprintln(os.Stderr, models.FaultLine(err, code))
	os.Exit(code)
}

func failFor(err error) {
	fail(err, models.ExitCodeFor(err))
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err, models.ExitInternal)
	}
}

func runFission(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("fission", flag.ExitOnError)
	tokenID := fs.String("token", "", "token id (uuid)")
	blob := fs.String("blob", "", "base64 presentation blob")
	data := fs.String("data", "", "inline payload bytes")
	file := fs.String("file", "", "payload file path")
	_ = fs.Parse(args)

	if *tokenID == "" || *blob == "" {
		fail(fmt.Errorf("%w: --token and --blob are required", models.ErrInvalidInput), models.ExitInputError)
	}

	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()

	result, err := eng.Fission.Fission(context.Background(), []byte(*data), *file, *tokenID, *blob)
	if err != nil {
		failFor(err)
	}

	printJSON(map[string]any{
		"address":  result.Address,
		"batchId":  result.BatchID,
		"typeTag":  result.Classification.TypeTag,
		"key":      result.Key,
		"bitAtoms": len(result.BitAtoms),
		"nodes":    eng.Planner.Roster(),
	})
}

func runBond(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("bond", flag.ExitOnError)
	address := fs.String("address", "", "ledger address")
	levelName := fs.String("level", "", "output level (BYTE, KB, MB, GB, TB)")
	replay := fs.Bool("replay", false, "complete a quarantined bond from its staged intent")
	_ = fs.Parse(args)

	if *address == "" || *levelName == "" {
		fail(fmt.Errorf("%w: --address and --level are required", models.ErrInvalidInput), models.ExitInputError)
	}
	level, err := models.ParseLevel(*levelName)
	if err != nil || level == models.LevelBit {
		fail(fmt.Errorf("%w: level must be one of BYTE, KB, MB, GB, TB", models.ErrInvalidInput), models.ExitInputError)
	}

	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()

	bonder, err := eng.Scheduler.Bonder(*address, level)
	if err != nil {
		failFor(err)
	}

	var atom *models.Atom
	if *replay {
		atom, err = bonder.ReplayQuarantine()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
		defer cancel()
		atom, err = bonder.TryBond(ctx)
	}
	if err != nil {
		failFor(err)
	}
	printJSON(atom)
}

func runMint(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	class := fs.String("class", "", "token class tag")
	serial := fs.String("serial", "", "node serial (defaults to this host)")
	_ = fs.Parse(args)

	if *class == "" {
		fail(fmt.Errorf("%w: --class is required", models.ErrInvalidInput), models.ExitInputError)
	}

	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()

	result, err := eng.Tokens.Mint(*class, *serial, eng.Pricing.Quote().AdjustedTokenPrice)
	if err != nil {
		failFor(err)
	}
	printJSON(result)
}

func runPrice(cfg config.Config) {
	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()
	printJSON(eng.Pricing.Quote())
}

// runVerify re-validates every hash chain of an address: particle logs,
// audit chain, and the mining mirror.
func runVerify(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	address := fs.String("address", "", "ledger address")
	_ = fs.Parse(args)

	if *address == "" {
		fail(fmt.Errorf("%w: --address is required", models.ErrInvalidInput), models.ExitInputError)
	}

	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()

	for level := models.LevelBit; level <= models.LevelTB; level++ {
		for _, particle := range level.Channels() {
			if err := eng.Store.VerifyChain(*address, level, particle); err != nil {
				failFor(err)
			}
		}
	}
	if err := eng.Store.VerifyAudit(*address); err != nil {
		failFor(err)
	}
	if err := eng.Monitor.Verify(*address); err != nil {
		failFor(err)
	}
	printJSON(map[string]string{"status": "ok", "address": *address})
}

func runRotateKey(cfg config.Config) {
	eng, err := engine.Init(cfg)
	if err != nil {
		fail(err, models.ExitIOError)
	}
	defer eng.Close()

	if err := eng.Keystore.RotateSigningKey(); err != nil {
		fail(err, models.ExitIOError)
	}
	printJSON(map[string]any{
		"status":   "rotated",
		"scheme":   eng.Keystore.Scheme(),
		"rotation": eng.Keystore.Rotation(),
	})
}

func runServe(cfg config.Config) {
	log.Println("Starting ATOMIC node (fission, bonding, mining, token registry)...")

	eng, err := engine.Init(cfg)
	if err != nil {
		log.Fatalf("FATAL: engine init failed: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	wsHub := api.NewHub()
	go wsHub.Run()
	go wsHub.FeedLedger(eng.Store.Subscribe())

	r := api.SetupRouter(eng, wsHub)

	// Shut background loops down cleanly on SIGINT/SIGTERM.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Println("Shutdown signal received")
		cancel()
	}()

	log.Printf("Node running on :%s (host serial %s)\n", cfg.Port, eng.Tokens.HostSerial())
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
