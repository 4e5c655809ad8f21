// mevmon ingests mainnet blocks, detects MEV-like bundles and maintains
// per-attacker bribe-ratio EMAs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/suslonov/mev-price-monitor/chain"
	"github.com/suslonov/mev-price-monitor/config"
	"github.com/suslonov/mev-price-monitor/explorer"
	"github.com/suslonov/mev-price-monitor/monitor"
	"github.com/suslonov/mev-price-monitor/remote"
	"github.com/suslonov/mev-price-monitor/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path of the JSON parameters document",
		Value: "parameters.json",
	}
	nodeKeyFlag = &cli.StringFlag{
		Name:  "node-key",
		Usage: "path of the node endpoint secret file (HTTP URL, WSS URL)",
		Value: config.DefaultNodeKeyFile,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:   "mevmon",
		Usage:  "on-chain MEV bundle monitor",
		Flags:  []cli.Flag{configFlag, nodeKeyFlag, verbosityFlag},
		Before: setupLogging,
		Action: runLive,
		Commands: []*cli.Command{
			{
				Name:  "recalc",
				Usage: "recompute derived data from the persisted facts",
				Subcommands: []*cli.Command{
					{
						Name:   "attacks",
						Usage:  "rebuild all attack classifications and EMAs",
						Action: runRecalcAttacks,
					},
				},
			},
			{
				Name:  "init-db",
				Usage: "drop and recreate database tables",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tables", Usage: "comma-separated table subset (default: all)"},
					&cli.BoolFlag{Name: "seed-classes", Usage: "install the default attack classes"},
				},
				Action: runInitDB,
			},
			{
				Name:  "report",
				Usage: "print the per-class attacker EMA summary",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "row", Usage: "summary row whose attack history to print"},
					&cli.IntFlag{Name: "limit", Usage: "history length", Value: 1000},
				},
				Action: runReport,
			},
			{
				Name:  "attacker",
				Usage: "manage the attacker registry",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register an attacker pair",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "from", Usage: "sender address, omit for a multisender"},
							&cli.StringFlag{Name: "to", Usage: "recipient address", Required: true},
							&cli.IntFlag{Name: "status", Usage: "1 enabled, -1 disabled", Value: monitor.StatusEnabled},
							&cli.IntFlag{Name: "report", Usage: "0 none, 1 own bucket, 2 own and exclusion buckets"},
							&cli.StringFlag{Name: "note", Usage: "free-form annotation"},
						},
						Action: runAttackerAdd,
					},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(c *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(c.Int(verbosityFlag.Name)), false)
	log.SetDefault(log.NewLogger(handler))
	return nil
}

func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the database, tunneling through SSH when the parameters
// name a remote server. The returned closer tears both down.
func openStore(cfg *config.Config) (*store.DB, func(), error) {
	port := 0
	var tunnel *remote.Tunnel
	if cfg.DBServer != "" {
		def, err := remote.ParseServer(cfg.DBServer)
		if err != nil {
			return nil, nil, err
		}
		if tunnel, err = remote.Open(def); err != nil {
			return nil, nil, err
		}
		port = tunnel.LocalPort()
	}
	db, err := store.Open(port)
	if err != nil {
		if tunnel != nil {
			tunnel.Close()
		}
		return nil, nil, err
	}
	closer := func() {
		db.Close()
		if tunnel != nil {
			tunnel.Close()
		}
	}
	return db, closer, nil
}

// runLive catches up from the block after the highest persisted one to the
// current head.
func runLive(c *cli.Context) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	etherscanKey, err := cfg.EtherscanKey()
	if err != nil {
		return err
	}
	httpURL, _, err := config.NodeEndpoints(c.String(nodeKeyFlag.Name))
	if err != nil {
		return err
	}

	client, err := chain.Dial(ctx, httpURL)
	if err != nil {
		return err
	}
	defer client.Close()

	scan := explorer.New("", etherscanKey)
	contracts, err := chain.NewContracts(client, scan)
	if err != nil {
		return err
	}
	ethUsd, err := scan.GetEthUsd(ctx)
	if err != nil {
		return fmt.Errorf("fetch ETH/USD rate: %w", err)
	}
	log.Info("ETH/USD rate loaded", "rate", ethUsd)

	db, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	attackers, err := db.GetAttackers(ctx)
	if err != nil {
		return err
	}
	registry := monitor.NewRegistry(attackers)

	runner := monitor.NewRunner(client, db,
		monitor.NewDetector(client, scan, registry),
		monitor.NewSaldoEngine(contracts, registry),
		registry, cfg.EMAAlpha, ethUsd)
	return runner.CatchUp(ctx)
}

// runRecalcAttacks purges and rebuilds t_attacks and t_attack_EMAs from the
// persisted bundles.
func runRecalcAttacks(c *cli.Context) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	return monitor.RecalcAttacks(ctx, db, cfg.EMAAlpha)
}

func runInitDB(c *cli.Context) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var tables []string
	if list := c.String("tables"); list != "" {
		tables = strings.Split(list, ",")
	}
	if err := db.InitSchema(ctx, tables); err != nil {
		return err
	}
	if c.Bool("seed-classes") {
		return db.SeedAttackClasses(ctx)
	}
	return nil
}

func runReport(c *cli.Context) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	summary, err := db.GetMonitorOutput(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Class", "Attacker", "Attacks", "Last Block", "Last Ratio", "EMA"})
	for i, row := range summary {
		table.Append([]string{
			strconv.Itoa(i + 1),
			row.AttackClass,
			row.Attacker,
			strconv.Itoa(row.CountAttacks),
			strconv.FormatUint(row.LastBlockNumber, 10),
			fmt.Sprintf("%0.3f%%", row.LastBribesRatio*100),
			fmt.Sprintf("%0.3f%%", row.BribesRatioEMA*100),
		})
	}
	table.Render()

	rowIndex := c.Int("row")
	if rowIndex <= 0 {
		return nil
	}
	if rowIndex > len(summary) {
		return fmt.Errorf("row %d out of range (%d summary rows)", rowIndex, len(summary))
	}
	selected := summary[rowIndex-1]
	history, err := db.GetAttackHistory(ctx, selected.ClassID, selected.Attacker, c.Int("limit"))
	if err != nil {
		return err
	}
	fmt.Printf("\n%s / %s history:\n", selected.AttackClass, selected.Attacker)
	for _, p := range history {
		fmt.Printf("%d\t%0.4f\n", p.BlockNumber, p.BribesRatio)
	}
	return nil
}

func runAttackerAdd(c *cli.Context) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var from *string
	if f := strings.ToLower(c.String("from")); f != "" {
		from = &f
	}
	to := strings.ToLower(c.String("to"))
	return db.AddAttacker(ctx, from, to, c.Int("status"), c.Int("report"), c.String("note"))
}
