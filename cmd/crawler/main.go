package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/btcseed/crawler/address"
	"github.com/btcseed/crawler/crawl"
	"github.com/btcseed/crawler/sink"
	"github.com/btcseed/crawler/upload"
	"github.com/btcseed/crawler/wire"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Bitcoin P2P network crawler",
		RunE:  runCrawl,
	}

	flags := cmd.Flags()
	flags.Int("num-workers", 64, "concurrent worker pool size")
	flags.Float64("node-share", 1.0, "fraction of reachable nodes whose advertised addresses are recorded")
	flags.Duration("delay-start", 0, "grace period before any transport is used")
	flags.Int("handshake-attempts", 3, "connect+handshake retry count")
	flags.Int("getaddr-retries", 2, "getaddr collection window retry count")
	flags.Bool("record-addr-data", true, "enable the advertised-address sink")
	flags.Int64("seed", 1, "seed for the node-share sampling RNG")
	flags.String("user-agent", "/btcseed-crawler:0.1.0/", "user agent advertised in the version message")
	flags.Int32("start-height", 0, "start height advertised in the version message")
	flags.String("network", "mainnet", "Bitcoin network to crawl (mainnet, testnet3, simnet, regtest)")

	flags.Duration("ip-connect-timeout", 5*time.Second, "direct IP connect timeout")
	flags.Duration("ip-message-timeout", 10*time.Second, "direct IP message timeout")
	flags.Duration("ip-getaddr-timeout", 30*time.Second, "direct IP getaddr window")
	flags.Duration("tor-connect-timeout", 30*time.Second, "Tor connect timeout")
	flags.Duration("tor-message-timeout", 20*time.Second, "Tor message timeout")
	flags.Duration("tor-getaddr-timeout", 60*time.Second, "Tor getaddr window")
	flags.Duration("i2p-connect-timeout", 40*time.Second, "I2P connect timeout")
	flags.Duration("i2p-message-timeout", 20*time.Second, "I2P message timeout")
	flags.Duration("i2p-getaddr-timeout", 60*time.Second, "I2P getaddr window")
	flags.Duration("cjdns-connect-timeout", 5*time.Second, "CJDNS connect timeout")
	flags.Duration("cjdns-message-timeout", 10*time.Second, "CJDNS message timeout")
	flags.Duration("cjdns-getaddr-timeout", 30*time.Second, "CJDNS getaddr window")

	flags.String("tor-proxy-host", "127.0.0.1", "Tor SOCKS5 proxy host")
	flags.Uint16("tor-proxy-port", 9050, "Tor SOCKS5 proxy port")
	flags.String("i2p-sam-host", "127.0.0.1", "I2P SAM bridge host")
	flags.Uint16("i2p-sam-port", 7656, "I2P SAM bridge port")

	flags.String("bootstrap-file", "", "file of newline-separated host:port bootstrap addresses (required)")
	flags.String("result-path", "./results", "directory under which result-path/<timestamp>/ is created")
	flags.Bool("store-debug-log", false, "write a JSON debug log alongside the result CSVs")
	flags.String("timestamp", "", "override the crawl's nominal start time (RFC3339); default is now")

	flags.String("gcs-bucket", "", "upload the result directory to this GCS bucket when set")
	flags.String("gcs-prefix", "", "object-name prefix under the bucket")
	flags.String("gcs-credentials-file", "", "service-account JSON key for the upload; empty uses ambient credentials")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("crawler")
	viper.AutomaticEnv()

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	timestamp := time.Now()
	if ts := viper.GetString("timestamp"); ts != "" {
		timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("parse --timestamp: %w", err)
		}
	}

	bootstrapFile := viper.GetString("bootstrap-file")
	if bootstrapFile == "" {
		return fmt.Errorf("--bootstrap-file is required")
	}
	bootstrap, err := loadBootstrapFile(bootstrapFile)
	if err != nil {
		return err
	}

	resultDir, err := sink.Open(viper.GetString("result-path"), timestamp, viper.GetBool("store-debug-log"))
	if err != nil {
		return fmt.Errorf("open result directory: %w", err)
	}
	defer resultDir.Close()

	logger := setupLogging(resultDir)

	logger.Info("starting crawl",
		"version", Version,
		"bootstrap_count", len(bootstrap),
		"result_path", resultDir.Path(),
		"num_workers", cfg.NumWorkers,
	)

	ctx, cancel := signalContext()
	defer cancel()

	controller := crawl.New(cfg, resultDir, resultDir, logger)
	if err := controller.Run(ctx, bootstrap); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}

	logger.Info("crawl complete", "result_path", resultDir.Path())

	if bucket := viper.GetString("gcs-bucket"); bucket != "" {
		logger.Info("uploading results", "bucket", bucket)
		uploadCfg := upload.Config{
			Bucket:          bucket,
			Prefix:          viper.GetString("gcs-prefix"),
			CredentialsFile: viper.GetString("gcs-credentials-file"),
		}
		if err := upload.Dir(context.Background(), uploadCfg, resultDir.Path()); err != nil {
			return fmt.Errorf("upload results: %w", err)
		}
		logger.Info("upload complete")
	}

	return nil
}

// buildConfig layers cobra flags (and any CRAWLER_-prefixed environment
// overrides bound by viper) into a crawl.Config. The core never sees cobra
// or viper; this is the only place that knows about them.
func buildConfig() (crawl.Config, error) {
	cfg := crawl.DefaultConfig()

	cfg.NumWorkers = viper.GetInt("num-workers")
	cfg.NodeShare = viper.GetFloat64("node-share")
	cfg.DelayStart = viper.GetDuration("delay-start")
	cfg.HandshakeAttempts = viper.GetInt("handshake-attempts")
	cfg.GetAddrAttempts = viper.GetInt("getaddr-retries")
	cfg.RecordAddrData = viper.GetBool("record-addr-data")
	cfg.Seed = viper.GetInt64("seed")
	cfg.UserAgent = viper.GetString("user-agent")
	cfg.StartHeight = viper.GetInt32("start-height")

	magic, err := networkMagic(viper.GetString("network"))
	if err != nil {
		return crawl.Config{}, err
	}
	cfg.Magic = magic

	cfg.Transport.IP.Connect = viper.GetDuration("ip-connect-timeout")
	cfg.Transport.IP.Message = viper.GetDuration("ip-message-timeout")
	cfg.Transport.IP.GetAddr = viper.GetDuration("ip-getaddr-timeout")
	cfg.Transport.Tor.Connect = viper.GetDuration("tor-connect-timeout")
	cfg.Transport.Tor.Message = viper.GetDuration("tor-message-timeout")
	cfg.Transport.Tor.GetAddr = viper.GetDuration("tor-getaddr-timeout")
	cfg.Transport.I2P.Connect = viper.GetDuration("i2p-connect-timeout")
	cfg.Transport.I2P.Message = viper.GetDuration("i2p-message-timeout")
	cfg.Transport.I2P.GetAddr = viper.GetDuration("i2p-getaddr-timeout")
	cfg.Transport.CJDNS.Connect = viper.GetDuration("cjdns-connect-timeout")
	cfg.Transport.CJDNS.Message = viper.GetDuration("cjdns-message-timeout")
	cfg.Transport.CJDNS.GetAddr = viper.GetDuration("cjdns-getaddr-timeout")

	cfg.Transport.TorProxyHost = viper.GetString("tor-proxy-host")
	cfg.Transport.TorProxyPort = uint16(viper.GetUint32("tor-proxy-port"))
	cfg.Transport.I2PSamHost = viper.GetString("i2p-sam-host")
	cfg.Transport.I2PSamPort = uint16(viper.GetUint32("i2p-sam-port"))

	return cfg, nil
}

func loadBootstrapFile(path string) ([]address.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bootstrap file %s: %w", path, err)
	}
	defer f.Close()

	var out []address.Address
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		a, err := address.ParseHostPort(line)
		if err != nil {
			return nil, fmt.Errorf("bootstrap file %s: %w", path, err)
		}
		out = append(out, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bootstrap file %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bootstrap file %s contains no addresses", path)
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func setupLogging(resultDir *sink.Dir) *slog.Logger {
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	if debugLog := resultDir.DebugLogWriter(); debugLog != nil {
		fileHandler := slog.NewJSONHandler(debugLog, &slog.HandlerOptions{Level: slog.LevelDebug})
		return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	}
	return slog.New(stdoutHandler)
}

func networkMagic(name string) (wire.Magic, error) {
	switch name {
	case "mainnet":
		return wire.MainNet, nil
	case "testnet3":
		return wire.TestNet3, nil
	case "simnet":
		return wire.SimNet, nil
	case "regtest":
		return wire.RegTestNet, nil
	default:
		return 0, fmt.Errorf("unrecognized --network %q", name)
	}
}

// multiHandler fans out slog records to multiple handlers: a JSON debug log
// (when enabled) and a text handler on stdout.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
