// tunemesh 节点守护进程
//
// 启动一个可被发现、可被连接的节点，把事件打到日志。
// 用 -connect 携带邀请链接可在启动后主动连接一个对端。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunemesh/go-tunemesh"
	"github.com/tunemesh/go-tunemesh/pkg/lib/log"
	"github.com/tunemesh/go-tunemesh/pkg/types"
)

var logger = log.Logger("main")

func main() {
	var (
		name        = flag.String("name", "tunemesh", "展示给其他节点的名字")
		listen      = flag.String("listen", "tcp://0.0.0.0:4242", "监听地址，逗号分隔")
		keyFile     = flag.String("key", "", "身份私钥文件（空为临时身份）")
		connectLink = flag.String("connect", "", "启动后连接的邀请链接")
		relay       = flag.String("relay", "", "生成分享链接时携带的中继地址")
		noMDNS      = flag.Bool("no-mdns", false, "关闭局域网广播发现")
		metricsAddr = flag.String("metrics", "", "Prometheus 指标监听地址（空为不开）")
		logLevel    = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
	)
	flag.Parse()

	if err := run(*name, *listen, *keyFile, *connectLink, *relay, *metricsAddr, *logLevel, !*noMDNS); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

func run(name, listen, keyFile, connectLink, relay, metricsAddr, logLevel string, enableMDNS bool) error {
	log.SetLevel(parseLevel(logLevel))

	opts := []tunemesh.Option{
		tunemesh.WithDisplayName(name),
		tunemesh.WithListenAddrs(strings.Split(listen, ",")...),
		tunemesh.WithMDNS(enableMDNS),
	}
	if keyFile != "" {
		opts = append(opts, tunemesh.WithKeyFile(keyFile))
	}

	var reg *prometheus.Registry
	if metricsAddr != "" {
		reg = prometheus.NewRegistry()
		opts = append(opts, tunemesh.WithMetrics(reg))
	}

	node, err := tunemesh.New(opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Close()

	share, err := node.ShareLink(relay)
	if err == nil {
		logger.Info("分享链接", "link", share)
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("指标服务退出", "err", err)
			}
		}()
		defer srv.Close()
	}

	go watchEvents(node)

	if connectLink != "" {
		cctx, ccancel := context.WithTimeout(ctx, 30*time.Second)
		peer, err := node.ConnectLink(cctx, connectLink)
		ccancel()
		if err != nil {
			logger.Warn("链接连接失败",
				"peer", log.TruncateID(string(peer), 8), "err", err)
		}
	}

	<-ctx.Done()
	logger.Info("收到退出信号，关闭节点")
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// watchEvents 把三类事件打到日志
func watchEvents(node *tunemesh.Node) {
	discovered, cancelD, err := node.SubscribePeerDiscovered()
	if err != nil {
		return
	}
	defer cancelD()
	connState, cancelC, err := node.SubscribeConnStateChanged()
	if err != nil {
		return
	}
	defer cancelC()
	docs, cancelDoc, err := node.SubscribeDocumentChanged()
	if err != nil {
		return
	}
	defer cancelDoc()

	for {
		select {
		case evt, ok := <-discovered:
			if !ok {
				return
			}
			logger.Info("发现节点",
				"peer", log.TruncateID(string(evt.Record.ID), 8),
				"name", evt.Record.DisplayName,
				"method", evt.Record.Method,
				"addrs", evt.Record.Addresses)
		case evt, ok := <-connState:
			if !ok {
				return
			}
			attrs := []any{
				"peer", log.TruncateID(string(evt.Peer), 8),
				"from", evt.Old, "to", evt.New,
			}
			if evt.Reason != types.ReasonNone {
				attrs = append(attrs, "reason", evt.Reason)
			}
			logger.Info("连接状态", attrs...)
		case evt, ok := <-docs:
			if !ok {
				return
			}
			logger.Info("文档变更",
				"collection", evt.Collection,
				"doc", evt.DocumentID,
				"origin", log.TruncateID(string(evt.Origin), 8),
				"elements", len(evt.Document.Elements()))
		}
	}
}
