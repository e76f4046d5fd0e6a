// Command relayd runs one streaming-relay worker process: it loads
// config, loads a service table, opens a SO_REUSEPORT listener shared
// across however many sibling relayd processes a supervisor starts, and
// serves HTTP streaming requests until terminated.
//
// relayd never forks its own siblings and never parses M3U playlists or
// the web UI's routing — the process supervisor and the HTTP request
// router are external collaborators. This binary is the minimal
// standalone front-end needed to run and test the core worker engine end
// to end; a production deployment is expected to front it with a thicker
// router/supervisor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/config"
	"github.com/stackia/rtp2httpd-relay/internal/dispatch"
	"github.com/stackia/rtp2httpd-relay/internal/logging"
	"github.com/stackia/rtp2httpd-relay/internal/service"
	"github.com/stackia/rtp2httpd-relay/internal/status"
	"github.com/stackia/rtp2httpd-relay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath   string
	listen       string
	serviceTable string
	urlTemplates bool
	jsonLogs     bool
	debug        bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (RELAY_CONFIG env also honored)")
	flag.StringVar(&f.listen, "listen", "", "Override listen address")
	flag.StringVar(&f.serviceTable, "service-table", "", "Path to a JSON service table (see serviceTableEntry)")
	flag.BoolVar(&f.urlTemplates, "url-templates", true, "Enable udpxy-compatible URL templates")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// serviceTableEntry is the on-disk shape of one --service-table row. It
// exists only in this binary: service-table parsing is kept an external
// concern, so internal/dispatch accepts []dispatch.Entry directly and
// never touches JSON itself.
type serviceTableEntry struct {
	Path         string `json:"path"`
	Kind         string `json:"kind"` // multicast-rtp, multicast-udp, rtsp, http-proxy
	Group        string `json:"group,omitempty"`
	Port         int    `json:"port,omitempty"`
	URL          string `json:"url,omitempty"`
	RequireToken bool   `json:"require_token,omitempty"`
	FCC          *struct {
		ServerIP   string `json:"server_ip"`
		ServerPort int    `json:"server_port"`
		Protocol   string `json:"protocol"` // telecom, huawei
	} `json:"fcc,omitempty"`
}

func loadServiceTable(path string) ([]dispatch.Entry, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service table: %w", err)
	}
	var rows []serviceTableEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse service table: %w", err)
	}
	entries := make([]dispatch.Entry, 0, len(rows))
	for _, row := range rows {
		kind, err := parseKind(row.Kind)
		if err != nil {
			return nil, fmt.Errorf("service table entry %q: %w", row.Path, err)
		}
		e := dispatch.Entry{
			Path:         row.Path,
			Kind:         kind,
			Group:        row.Group,
			Port:         row.Port,
			URL:          row.URL,
			RequireToken: row.RequireToken,
		}
		if row.FCC != nil {
			proto := service.FCCTelecom
			if row.FCC.Protocol == "huawei" {
				proto = service.FCCHuawei
			}
			e.FCC = &service.FCCDescriptor{ServerIP: row.FCC.ServerIP, ServerPort: row.FCC.ServerPort, Protocol: proto}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseKind(s string) (service.Kind, error) {
	switch s {
	case "multicast-rtp":
		return service.KindMulticastRTP, nil
	case "multicast-udp":
		return service.KindMulticastUDP, nil
	case "rtsp":
		return service.KindRTSP, nil
	case "http-proxy":
		return service.KindHTTPProxy, nil
	default:
		return 0, fmt.Errorf("unknown kind %q", s)
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.listen != "" {
		cfg.Server.Listen = flags.listen
	}
	if flags.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if flags.debug {
		cfg.Logging.Level = "DEBUG"
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	table, err := loadServiceTable(flags.serviceTable)
	if err != nil {
		return err
	}
	logger.Info("relayd starting", "listen", cfg.Server.Listen, "pid", os.Getpid(), "services", len(table))

	recorder := status.NewRecorder()
	eng, err := worker.NewEngine(*cfg, worker.EngineConfig{
		Table:          table,
		URLTemplates:   flags.urlTemplates,
		Logger:         logger,
		StatusRecorder: recorder,
	})
	if err != nil {
		return fmt.Errorf("new engine: %w", err)
	}

	ln, err := worker.ListenReusePort(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}

	httpSrv := &http.Server{Handler: &worker.HTTPHandler{Engine: eng}}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		errCh <- eng.Run(ctx, shutdownGrace(cfg.Server.ShutdownGrace))
	}()

	<-ctx.Done()
	logger.Info("relayd shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace(cfg.Server.ShutdownGrace))
	_ = httpSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("relayd exited with error: %w", firstErr)
	}
	logger.Info("relayd stopped")
	return nil
}

func shutdownGrace(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
