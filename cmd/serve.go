package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/awt-go/pkg/contextgen"
	"github.com/theapemachine/awt-go/pkg/convstore"
	"github.com/theapemachine/awt-go/pkg/extract"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/logging"
	"github.com/theapemachine/awt-go/pkg/router"
	"github.com/theapemachine/awt-go/pkg/runner"
	"github.com/theapemachine/awt-go/pkg/settings"
	"github.com/theapemachine/awt-go/pkg/store"
	awtsync "github.com/theapemachine/awt-go/pkg/sync"
	"github.com/theapemachine/awt-go/pkg/webhook"
)

/*
Core bundles one instance's components: the graph and everything wired
around it. It replaces the pile of singletons a browser build would use;
tests and embedders construct as many cores as they like.
*/
type Core struct {
	Graph         *graph.Graph
	Store         *store.Store
	Settings      *settings.Service
	Conversations *convstore.Store
	Queue         *webhook.Queue
	Dispatcher    *webhook.Dispatcher
	Sync          *awtsync.Manager
	Runner        *runner.Runner
	Router        *router.Router
	Context       *contextgen.Generator
}

/*
NewCore assembles a core rooted at dataDir. The transport may be nil for
a single-instance setup without cross-instance sync.
*/
func NewCore(dataDir string, transport awtsync.Transport) (*Core, error) {
	g := graph.New()

	var graphStore *store.Store
	if dataDir != "" {
		var err error
		if graphStore, err = store.Open(filepath.Join(dataDir, "graph.db")); err != nil {
			// Initialization failure leaves the core functional but
			// non-persistent.
			log.Warn("graph store unavailable, running memory-only", "error", err)
			graphStore = nil
		} else if snapshot, err := graphStore.LoadGraph(context.Background()); err == nil {
			g.LoadSnapshot(snapshot)
		}
	}

	settingsPath := ""
	conversationsPath := ""
	jobsPath := ""
	if dataDir != "" {
		settingsPath = filepath.Join(dataDir, "settings.json")
		conversationsPath = filepath.Join(dataDir, "conversations.json")
		jobsPath = filepath.Join(dataDir, "jobs.json")
	}

	svc, err := settings.Open(settingsPath)
	if err != nil {
		return nil, err
	}
	conversations, err := convstore.Open(conversationsPath,
		convstore.WithCaps(
			viper.GetInt("conversations.maxItems"),
			viper.GetInt("conversations.maxBytes"),
		),
	)
	if err != nil {
		return nil, err
	}
	queue, err := webhook.OpenQueue(jobsPath)
	if err != nil {
		return nil, err
	}

	core := &Core{
		Graph:         g,
		Store:         graphStore,
		Settings:      svc,
		Conversations: conversations,
		Queue:         queue,
		Dispatcher:    webhook.NewDispatcher(queue, svc),
		Context:       contextgen.New(g),
		Router:        router.New(),
	}

	extractor := extract.New(g, nil)
	core.Runner = runner.New(svc, g, extractor, conversations)

	if transport != nil {
		core.Sync = awtsync.NewManager(g, transport, graphStore, awtsync.DefaultConfig())
	}

	router.RegisterCore(core.Router, router.Deps{
		Settings:      svc,
		Conversations: conversations,
		Queue:         queue,
		Dispatcher:    core.Dispatcher,
		Graph:         g,
		Context:       core.Context,
		Runner:        core.Runner,
		ExportsDir:    filepath.Join(dataDir, "exports"),
	})

	return core, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory core service",
	Long:  "Assembles the memory core and serves the command surface over HTTP.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Setup()

		v := viper.GetViper()

		dataDir := v.GetString("storage.dir")
		if dataDir == "" {
			home, _ := os.UserHomeDir()
			dataDir = filepath.Join(home, "."+projectName, "data")
		}

		var transport awtsync.Transport
		if relayURL := v.GetString("relay.url"); relayURL != "" {
			var err error
			if transport, err = awtsync.DialRelay(relayURL); err != nil {
				// Sync is best-effort; a lone instance works without it.
				log.Warn("sync relay unreachable, running standalone", "url", relayURL, "error", err)
			}
		}

		core, err := NewCore(dataDir, transport)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if core.Sync != nil {
			core.Sync.Start(ctx)
			defer core.Sync.Stop()
		}
		go core.Dispatcher.Run(ctx)

		service := router.NewService(core.Router, core.Graph)

		go func() {
			<-ctx.Done()
			if err := service.Shutdown(); err != nil {
				log.Error("shutdown failed", "error", err)
			}
			if core.Store != nil {
				core.Store.Close()
			}
		}()

		addr := v.GetString("server.addr")
		log.Info("memory core listening", "addr", addr, "data", dataDir)
		return service.Start(addr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
