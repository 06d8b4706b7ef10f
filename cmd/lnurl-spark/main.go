package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	_ "github.com/lib/pq" // Import postgres
	"github.com/lightningnetwork/lnd/lnrpc"
	"gopkg.in/urfave/cli.v1"

	"github.com/benthecarman/lnurl-spark/api"
	"github.com/benthecarman/lnurl-spark/async"
	"github.com/benthecarman/lnurl-spark/build"
	"github.com/benthecarman/lnurl-spark/db"
	"github.com/benthecarman/lnurl-spark/ln"
	"github.com/benthecarman/lnurl-spark/relay"
	"github.com/benthecarman/lnurl-spark/settlement"
	"github.com/benthecarman/lnurl-spark/util"
	"github.com/benthecarman/lnurl-spark/zapreceipt"
)

var log = build.Log

var (
	databaseConfig db.DatabaseConfig

	// nostrSecret is the key zap receipts are signed with
	nostrSecret string

	// relayURLs are the relays receipts get published to
	relayURLs []string
)

const (
	defaultMinSendable = 1_000
	defaultMaxSendable = 11_000_000_000

	expirySweepInterval = time.Minute

	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

func init() {
	databaseConfig = db.DatabaseConfig{
		User:           util.GetEnvOrFail("DATABASE_USER"),
		Password:       util.GetEnvOrFail("DATABASE_PASSWORD"),
		Name:           util.GetEnvOrFail("DATABASE_NAME"),
		Host:           util.GetEnvOrElse("DATABASE_HOST", "localhost"),
		Port:           util.GetDatabasePort(),
		MigrationsPath: util.GetEnvOrElse("DATABASE_MIGRATIONS_PATH", "file://db/migrations"),
	}

	nostrSecret = util.GetEnvOrFail("LNURL_NSEC")
	relayURLs = strings.Split(
		util.GetEnvOrElse("LNURL_RELAYS", "wss://relay.damus.io,wss://nos.lol"), ",")
}

// awaitLnd tries to get a RPC response from lnd, returning an error
// if that isn't possible within a set of attempts
func awaitLnd(lncli lnrpc.LightningClient) error {
	retry := func() bool {
		_, err := lncli.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach lnd")
}

func getNetwork(name string) (chaincfg.Params, error) {
	switch name {
	case "mainnet", "bitcoin":
		return chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return chaincfg.TestNet3Params, nil
	case "signet":
		return chaincfg.SigNetParams, nil
	case "regtest":
		return chaincfg.RegressionNetParams, nil
	case "simnet":
		return chaincfg.SimNetParams, nil
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network %q", name)
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Starts the LNURL-pay server",
	Action: func(c *cli.Context) error {
		network, err := getNetwork(c.GlobalString("network"))
		if err != nil {
			return err
		}

		database, err := db.Open(databaseConfig)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()

		if err := database.MigrateUp(); err != nil {
			return err
		}

		keys, err := relay.NewKeys(nostrSecret)
		if err != nil {
			return err
		}

		lncli, err := ln.NewLNDClient(ln.LightningConfig{
			LndDir:       c.GlobalString("lnddir"),
			TLSCertPath:  c.GlobalString("tlscertpath"),
			MacaroonPath: c.GlobalString("macaroonpath"),
			Network:      network,
			RPCServer:    c.GlobalString("lndrpcserver"),
		})
		if err != nil {
			return err
		}
		if err := awaitLnd(lncli); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		relayClient, err := relay.Connect(ctx, relayURLs)
		if err != nil {
			return err
		}

		// settlement pipeline: lnd invoice stream -> watcher -> emitter
		invoiceCh := make(chan *lnrpc.Invoice)
		go ln.ListenInvoices(lncli, invoiceCh)

		watcher := settlement.NewWatcher(database)
		go watcher.Listen(invoiceCh)

		emitter := zapreceipt.NewEmitter(database, keys, relayClient)
		go emitter.Run(watcher.Settled())
		go func() {
			for err := range emitter.Errors() {
				log.WithError(err).Error("Permanent zap receipt publish failure")
			}
		}()

		go settlement.RunExpiryLoop(ctx, database, lncli, expirySweepInterval)

		restServer, err := api.NewApp(database, lncli, api.Config{
			Domain:      c.GlobalString("domain"),
			MinSendable: c.GlobalInt64("minsendable"),
			MaxSendable: c.GlobalInt64("maxsendable"),
			NostrPubkey: keys.PublicKey(),
		})
		if err != nil {
			return err
		}

		address := fmt.Sprintf("%s:%d", c.GlobalString("bind"), c.GlobalInt("port"))
		log.WithField("address", address).Info("Starting webserver")

		return restServer.Router.Run(address)
	},
}

var dbCommand = cli.Command{
	Name:  "db",
	Usage: "Database related commands",
	Subcommands: []cli.Command{
		{
			Name:  "up",
			Usage: "Applies all migrations",
			Action: func(c *cli.Context) error {
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { _ = database.Close() }()
				return database.MigrateUp()
			},
		},
		{
			Name:  "status",
			Usage: "Prints the migration status",
			Action: func(c *cli.Context) error {
				database, err := db.Open(databaseConfig)
				if err != nil {
					return err
				}
				defer func() { _ = database.Close() }()

				status, err := database.Status()
				if err != nil {
					return err
				}
				log.Infof("migration version: %d, dirty: %t",
					status.Version, status.Dirty)
				return nil
			},
		},
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "lnurl-spark"
	app.Usage = "A LNURL-pay server with Nostr zap support"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "Logging level for all subsystems",
		},
		cli.StringFlag{
			Name:  "network",
			Value: "mainnet",
			Usage: "The network lnd is running on",
		},
		cli.StringFlag{
			Name:  "bind",
			Value: "0.0.0.0",
			Usage: "Bind address for the webserver",
		},
		cli.IntFlag{
			Name:  "port",
			Value: 3000,
			Usage: "Port for the webserver",
		},
		cli.StringFlag{
			Name:  "domain",
			Value: "localhost:3000",
			Usage: "The domain name the server runs on",
		},
		cli.Int64Flag{
			Name:  "minsendable",
			Value: defaultMinSendable,
			Usage: "Minimum amount in millisatoshis that can be sent",
		},
		cli.Int64Flag{
			Name:  "maxsendable",
			Value: defaultMaxSendable,
			Usage: "Maximum amount in millisatoshis that can be sent",
		},
		cli.StringFlag{
			Name:  "lnddir",
			Value: ln.DefaultLndDir,
			Usage: "The directory lnd keeps its data in",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Usage: "Path to lnd's tls.cert",
		},
		cli.StringFlag{
			Name:  "macaroonpath",
			Usage: "Path to lnd's admin.macaroon",
		},
		cli.StringFlag{
			Name:  "lndrpcserver",
			Value: ln.DefaultRpcServer,
			Usage: "host:port of lnd's RPC server",
		},
	}
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("loglevel"))
		if err != nil {
			return err
		}
		build.SetLogLevel(level)
		return nil
	}
	app.Commands = []cli.Command{serveCommand, dbCommand}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("exiting")
	}
}
