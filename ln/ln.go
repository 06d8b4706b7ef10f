package ln

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"github.com/benthecarman/lnurl-spark/build"
)

var log = build.AddSubLogger("LNDC")

// AddInvoiceClient defines the required methods for creating an invoice
type AddInvoiceClient interface {
	AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)
}

// DecodePayReqClient defines the required methods for decoding a payment
// request
type DecodePayReqClient interface {
	DecodePayReq(ctx context.Context, in *lnrpc.PayReqString, opts ...grpc.CallOption) (*lnrpc.PayReq, error)
}

// LightningConfig is a struct containing all possible options for configuring
// a connection to lnd
type LightningConfig struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCServer    string
}

func configDefaultLndDir() string {
	if len(os.Getenv("LND_DIR")) != 0 {
		return os.Getenv("LND_DIR")
	}
	return btcutil.AppDataDir("lnd", false)
}

// DefaultRelativeMacaroonPath extracts the macaroon path using a specific
// network
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain",
		"bitcoin", name, "admin.macaroon")
}

const (
	DefaultRpcServer = "localhost:" + DefaultRpcPort
	DefaultRpcPort   = "10009"
)

var (
	// DefaultLndDir is the default location of .lnd
	DefaultLndDir = configDefaultLndDir()
)

// NewLNDClient opens a new connection to LND and returns the client
func NewLNDClient(options LightningConfig) (
	lnrpc.LightningClient, error) {
	cfg := LightningConfig{
		LndDir:       options.LndDir,
		TLSCertPath:  cleanAndExpandPath(options.TLSCertPath),
		MacaroonPath: cleanAndExpandPath(options.MacaroonPath),
		Network:      options.Network,
		RPCServer:    options.RPCServer,
	}

	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}

	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir,
			DefaultRelativeMacaroonPath(options.Network))
	}

	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "cannot get node tls credentials")
	}

	macaroonBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal macaroon")
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create macaroon credential")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macCred),
	}

	withTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Infof("Connecting to LND with lnddir=%s, tlsCertPath=%s, macaroonPath=%s, network=%s, rpcServer=%s",
		cfg.LndDir, cfg.TLSCertPath, cfg.MacaroonPath, cfg.Network.Name, cfg.RPCServer)

	conn, err := grpc.DialContext(withTimeout, cfg.RPCServer, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot dial to lnd")
	}
	client := lnrpc.NewLightningClient(conn)

	log.Infof("opened connection to lnd on %s", cfg.RPCServer)

	return client, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		usr, err := user.Current()
		if err == nil {
			homeDir = usr.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// ListenInvoices subscribes to lnd invoice updates and forwards every update
// to the given channel
func ListenInvoices(lncli lnrpc.LightningClient, msgCh chan *lnrpc.Invoice) {
	invoiceSubDetails := &lnrpc.InvoiceSubscription{}

	invoiceClient, err := lncli.SubscribeInvoices(
		context.Background(),
		invoiceSubDetails)
	if err != nil {
		log.Error(err)
		return
	}

	for {
		invoice := lnrpc.Invoice{}
		err := invoiceClient.RecvMsg(&invoice)
		if err != nil {
			log.Error(err)
			return
		}
		log.Debugf("invoice with hash %s was updated",
			hex.EncodeToString(invoice.RHash))

		msgCh <- &invoice
	}
}

func (l LightningConfig) String() string {
	str := fmt.Sprintf("LndDir: %s\n", l.LndDir)
	str += fmt.Sprintf("TLSCertPath: %s\n", l.TLSCertPath)
	str += fmt.Sprintf("MacaroonPath: %s\n", l.MacaroonPath)
	str += fmt.Sprintf("Network: %s\n", l.Network.Name)
	str += fmt.Sprintf("RPCServer: %s\n", l.RPCServer)

	return str
}

const (
	// MaxAmountMsatPerInvoice is the maximum amount of millisatoshis an
	// invoice can be for
	MaxAmountMsatPerInvoice = 4294967295
)
