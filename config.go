package holdd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v2"
	flags "github.com/jessevdk/go-flags"
	"github.com/matheusd/holdd/invoices"
)

const (
	defaultConfigFilename = "holdd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "holdd.log"
	defaultRPCListen      = "localhost:9393"
	defaultLndHost        = "localhost:10009"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

var (
	defaultHolddDir   = dcrutil.AppDataDir("holdd", false)
	defaultConfigFile = filepath.Join(defaultHolddDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHolddDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHolddDir, defaultLogDirname)

	defaultLndDir          = dcrutil.AppDataDir("lnd", false)
	defaultLndTLSCertPath  = filepath.Join(defaultLndDir, "tls.cert")
	defaultLndMacaroonPath = filepath.Join(
		defaultLndDir, "data", "chain", "bitcoin", "mainnet",
		"admin.macaroon",
	)
)

// LndConfig groups the connection options of the host lnd node.
type LndConfig struct {
	Host         string `long:"host" description:"The host:port of lnd's gRPC interface"`
	TLSCertPath  string `long:"tlscertpath" description:"Path to lnd's TLS certificate"`
	MacaroonPath string `long:"macaroonpath" description:"Path to a macaroon with invoice and router permissions"`
}

// Config defines the configuration options for holdd.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	HolddDir    string `long:"holdddir" description:"The base directory that contains holdd's data, logs and configuration file"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store holdd's data within"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	RPCListen string `long:"rpclisten" description:"Address to listen on for JSON-RPC connections"`
	RPCUser   string `short:"u" long:"rpcuser" description:"Username for RPC connections"`
	RPCPass   string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC connections"`

	HtlcHoldDuration time.Duration `long:"htlcholdduration" description:"Maximum time an htlc is held for an invoice that is not yet fully funded"`
	SweepInterval    time.Duration `long:"sweepinterval" description:"Period of the background sweep that fails expired htlcs. Must be smaller than htlcholdduration"`

	Lnd *LndConfig `group:"lnd" namespace:"lnd"`
}

// DefaultConfig returns the config struct populated with all defaults.
func DefaultConfig() Config {
	return Config{
		HolddDir:         defaultHolddDir,
		ConfigFile:       defaultConfigFile,
		DataDir:          defaultDataDir,
		LogDir:           defaultLogDir,
		DebugLevel:       defaultLogLevel,
		RPCListen:        defaultRPCListen,
		HtlcHoldDuration: invoices.DefaultHtlcHoldDuration,
		SweepInterval:    invoices.DefaultSweepInterval,
		Lnd: &LndConfig{
			Host:         defaultLndHost,
			TLSCertPath:  defaultLndTLSCertPath,
			MacaroonPath: defaultLndMacaroonPath,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("holdd version %s\n", Version())
		os.Exit(0)
	}

	// If the holdd directory was moved but the config file path wasn't,
	// keep the derived paths anchored to the new directory.
	cfg := preCfg
	if preCfg.HolddDir != defaultHolddDir {
		cfg.DataDir = filepath.Join(cfg.HolddDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.HolddDir, defaultLogDirname)
		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(
				cfg.HolddDir, defaultConfigFilename,
			)
		}
	}

	configFile := cleanAndExpandPath(cfg.ConfigFile)
	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
	}

	// Command line options take precedence over the config file.
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.Lnd.TLSCertPath = cleanAndExpandPath(cfg.Lnd.TLSCertPath)
	cfg.Lnd.MacaroonPath = cleanAndExpandPath(cfg.Lnd.MacaroonPath)

	if cfg.RPCUser == "" || cfg.RPCPass == "" {
		return nil, fmt.Errorf("rpcuser and rpcpass must be set")
	}

	// Expired htlcs must be detectable before the hold budget elapses
	// twice over, so the sweep has to run strictly more often than the
	// budget.
	if cfg.SweepInterval >= cfg.HtlcHoldDuration {
		return nil, fmt.Errorf("sweepinterval (%v) must be smaller "+
			"than htlcholdduration (%v)", cfg.SweepInterval,
			cfg.HtlcHoldDuration)
	}

	// Initialize logging at the default logging level.
	err = logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("log rotation setup failed: %v", err)
	}

	if err := setLogLevels(cfg.DebugLevel); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
